package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sarchlab/calmon/archive"
	"github.com/sarchlab/calmon/config"
	"github.com/sarchlab/calmon/loader"
	"github.com/sarchlab/calmon/logging"
)

var (
	runShort = "Replay a memory trace and write cache monitor reports."
	runLong  = `
		Replay a memory trace on one or more simulated cores and monitor their
		caches.

		Every core runs the whole trace through a private L1D and L2. The run
		has a warmup phase followed by a detailed phase. At the end of each
		phase every monitor appends one JSON report line to
		<output-dir><trace>_<block size>_<cache>_LOAD_<phase>_cpu_<id>.json.

		Monitored caches switch to --block-size at their first sample, so it
		takes precedence over l1d.block_size and l2.block_size. With
		--driving-sequence the monitored caches change their block size at
		every sampled interval of the detailed phase, and the block size in
		the report file name is replaced by CaL-Drive. Every block size must
		fit the geometry of each monitored cache.

		Values are read from flags, then CALMON_* environment variables, then
		the --config file, then the built-in defaults.`

	runExample = `
		# Monitor L1D and L2 of one core, sampling every 1000 misses
		calmon run --trace traces/mcf.trace --output-dir out/

		# Four cores, drive the block size, archive the reports
		calmon run --trace traces/mcf.trace --cpus 4 \
			--driving-sequence "64 128 256" --archive reports.db`
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"trace":                   "trace",
	"cpus":                    "cpus",
	"output-dir":              "output_dir",
	"archive":                 "archive",
	"log-level":               "log_level",
	"log-format":              "log_format",
	"warmup-instructions":     "warmup_instructions",
	"simulation-instructions": "simulation_instructions",
	"threshold":               "monitor.threshold",
	"block-size":              "monitor.block_size",
	"driving-sequence":        "monitor.driving_sequence",
	"resources":               "monitor.resources",
	"non-finite":              "monitor.non_finite",
}

// RunFlags are converted to RunOptions before a run.
type RunFlags struct {
	ConfigFile string
	CPUProfile string
	MemProfile string
	CSV        bool

	Trace     string
	CPUs      int
	OutputDir string
	Archive   string
	LogLevel  string
	LogFormat string

	WarmupInstructions     uint64
	SimulationInstructions uint64

	Threshold       uint64
	BlockSize       uint32
	DrivingSequence string
	Resources       []string
	NonFinite       string
}

// NewRunFlags returns flags holding the default configuration.
func NewRunFlags() *RunFlags {
	def := config.Default()
	return &RunFlags{
		CPUs:                   def.CPUs,
		OutputDir:              def.OutputDir,
		LogLevel:               def.LogLevel,
		LogFormat:              def.LogFormat,
		WarmupInstructions:     def.WarmupInstructions,
		SimulationInstructions: def.SimulationInstructions,
		Threshold:              def.Monitor.Threshold,
		BlockSize:              def.Monitor.BlockSize,
		Resources:              def.Monitor.Resources,
		NonFinite:              def.Monitor.NonFinite,
	}
}

// AddFlags registers the flags on cmd.
func (flags *RunFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flags.ConfigFile, "config", "c", flags.ConfigFile,
		"Configuration file (yaml, json or toml).")
	cmd.Flags().StringVar(&flags.CPUProfile, "cpuprofile", flags.CPUProfile,
		"Write a CPU profile to this file.")
	cmd.Flags().StringVar(&flags.MemProfile, "memprofile", flags.MemProfile,
		"Write a heap profile to this file at the end of the run.")
	cmd.Flags().BoolVar(&flags.CSV, "csv", flags.CSV,
		"Print the summary in CSV format.")

	cmd.Flags().StringVarP(&flags.Trace, "trace", "t", flags.Trace,
		"Memory trace to replay. May also be given as the first argument.")
	cmd.Flags().IntVar(&flags.CPUs, "cpus", flags.CPUs,
		"Number of simulated cores.")
	cmd.Flags().StringVarP(&flags.OutputDir, "output-dir", "o", flags.OutputDir,
		"Directory the report files are written to.")
	cmd.Flags().StringVar(&flags.Archive, "archive", flags.Archive,
		"SQLite file that additionally stores every report.")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", flags.LogLevel,
		"Log level: debug, info, warn or error.")
	cmd.Flags().StringVar(&flags.LogFormat, "log-format", flags.LogFormat,
		"Log encoding: console or json.")

	cmd.Flags().Uint64Var(&flags.WarmupInstructions, "warmup-instructions", flags.WarmupInstructions,
		"Instructions of the warmup phase. 0 skips warmup.")
	cmd.Flags().Uint64Var(&flags.SimulationInstructions, "simulation-instructions", flags.SimulationInstructions,
		"Instructions of the detailed phase. 0 runs to the end of the trace.")

	cmd.Flags().Uint64Var(&flags.Threshold, "threshold", flags.Threshold,
		"Number of misses between two samples.")
	cmd.Flags().Uint32Var(&flags.BlockSize, "block-size", flags.BlockSize,
		"Default block size of the monitored caches. It replaces the configured\n"+
			"cache block size at the first sample.")
	cmd.Flags().StringVar(&flags.DrivingSequence, "driving-sequence", flags.DrivingSequence,
		"Whitespace-separated block sizes applied at successive samples.")
	cmd.Flags().StringSliceVar(&flags.Resources, "resources", flags.Resources,
		"Monitored caches: L1D, L2.")
	cmd.Flags().StringVar(&flags.NonFinite, "non-finite", flags.NonFinite,
		"Report tokens for NaN and infinite ratios: c (-nan, inf) or js (NaN, Infinity).")
}

// ToOptions resolves the configuration of a run.
func (flags *RunFlags) ToOptions(cmd *cobra.Command, args []string) (*RunOptions, error) {
	v := viper.New()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	if len(args) > 0 {
		v.Set("trace", args[0])
	}

	cfg, err := config.Load(v, flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if cfg.Trace == "" {
		return nil, fmt.Errorf("no trace given")
	}

	log, err := logging.NewWithWriter(cfg.LogLevel, logging.Format(cfg.LogFormat), cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	return &RunOptions{
		Config:     cfg,
		Log:        log,
		Out:        cmd.OutOrStdout(),
		CPUProfile: flags.CPUProfile,
		MemProfile: flags.MemProfile,
		CSV:        flags.CSV,
	}, nil
}

// RunOptions hold everything a run needs.
type RunOptions struct {
	Config *config.Config
	Log    *zap.Logger
	Out    io.Writer

	CPUProfile string
	MemProfile string
	CSV        bool
}

// Run replays the trace and prints a per-core summary.
func (o *RunOptions) Run(ctx context.Context) error {
	defer logging.Flush(o.Log)

	tr, err := loader.Load(o.Config.Trace)
	if err != nil {
		return err
	}

	o.Log.Info("trace loaded",
		zap.String("trace", tr.Name),
		zap.Int("accesses", len(tr.Accesses)),
		zap.Uint64("instructions", tr.Instructions()))

	var store archive.Store
	if o.Config.Archive != "" {
		db, err := archive.NewSQLite(o.Config.Archive, o.Log)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer func() { _ = db.Close() }()
		store = db
	}

	prof, err := startProfiler(o.CPUProfile, o.MemProfile)
	if err != nil {
		return err
	}

	start := time.Now()
	results, err := simulate(ctx, o.Config, tr, o.Log, store)
	elapsed := time.Since(start)

	if stopErr := prof.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		return err
	}

	if o.CSV {
		return printCSV(o.Out, tr.Name, results)
	}
	printSummary(o.Out, tr.Name, results, elapsed)

	return nil
}

func newRunCmd() *cobra.Command {
	flags := NewRunFlags()
	cmd := &cobra.Command{
		Use:     "run [trace]",
		Short:   runShort,
		Long:    runLong,
		Example: runExample,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := flags.ToOptions(cmd, args)
			if err != nil {
				return err
			}
			return o.Run(cmd.Context())
		},
	}

	flags.AddFlags(cmd)

	return cmd
}
