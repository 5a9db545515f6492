// Package archive persists flushed monitor reports so that runs can be
// compared without re-parsing the JSON report files.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sarchlab/calmon/timing/monitor"
)

// Store abstracts a persistence back-end for reports.
type Store interface {
	// Save stores a report and its intervals in a single transaction.
	Save(ctx context.Context, phase string, r *monitor.Report) error
	// Reports returns the stored reports of a phase in insertion order. An
	// empty phase returns every report.
	Reports(ctx context.Context, phase string) ([]ReportRecord, error)
	// Close releases the underlying connection.
	Close() error
}

// ReportRecord is one persisted report row.
type ReportRecord struct {
	ID              int64
	Phase           string
	CacheName       string
	CPUID           uint32
	TraceName       string
	ActualBlockSize uint32
	Driven          bool
	Accesses        uint64
	Hits            uint64
	Misses          uint64
	BlockCount      uint64
	// HitRate is NaN when the phase saw no accesses.
	HitRate   float64
	Intervals int
}

// SQLite is a Store backed by a SQLite file.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLite opens (or creates) the SQLite file at dbPath and creates the
// tables if they do not exist. The caller must call Close.
func NewSQLite(dbPath string, log *zap.Logger) (*SQLite, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes the per-core writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLite{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS reports (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    phase             TEXT NOT NULL,
    cache_name        TEXT NOT NULL,
    cpu_id            INTEGER NOT NULL,
    trace_name        TEXT NOT NULL,
    block_size        INTEGER NOT NULL,
    actual_block_size INTEGER NOT NULL,
    driven            INTEGER NOT NULL,
    current_cycle     INTEGER NOT NULL,
    retired_inst      INTEGER NOT NULL,
    cpu_cycle         INTEGER NOT NULL,
    accesses          INTEGER NOT NULL,
    hits              INTEGER NOT NULL,
    misses            INTEGER NOT NULL,
    block_count       INTEGER NOT NULL,
    hit_rate          REAL,
    miss_rate         REAL,
    cal               REAL
);
CREATE TABLE IF NOT EXISTS intervals (
    report_id     INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
    seq           INTEGER NOT NULL,
    current_cycle INTEGER NOT NULL,
    retired_inst  INTEGER NOT NULL,
    cpu_cycle     INTEGER NOT NULL,
    accesses      INTEGER NOT NULL,
    hits          INTEGER NOT NULL,
    misses        INTEGER NOT NULL,
    block_count   INTEGER NOT NULL,
    cycle_ipc     REAL,
    overall_ipc   REAL,
    hit_rate      REAL,
    miss_rate     REAL,
    cal           REAL,
    PRIMARY KEY (report_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_reports_phase ON reports(phase, cpu_id, cache_name);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	s.log.Debug("SQLite migration applied")
	return nil
}

// nullFloat maps non-finite values to NULL.
func nullFloat(f float64) sql.NullFloat64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// Save stores a report and its intervals in a single transaction.
func (s *SQLite) Save(ctx context.Context, phase string, r *monitor.Report) error {
	if r == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	ls := r.LeastState
	res, err := tx.ExecContext(ctx, `
INSERT INTO reports (phase, cache_name, cpu_id, trace_name, block_size,
    actual_block_size, driven, current_cycle, retired_inst, cpu_cycle,
    accesses, hits, misses, block_count, hit_rate, miss_rate, cal)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		phase, r.CacheName, r.CPUID, r.TraceName, r.BlockSize,
		r.ActualBlockSize, r.Driven, ls.CurrentCycle, ls.RetiredInstructions, ls.CPUCycle,
		ls.Accesses, ls.Hits, ls.Misses, ls.BlockCount,
		nullFloat(r.LeastRatios.HitRate), nullFloat(r.LeastRatios.MissRate), nullFloat(r.LeastRatios.CaL))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert report: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("report id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO intervals (report_id, seq, current_cycle, retired_inst, cpu_cycle,
    accesses, hits, misses, block_count, cycle_ipc, overall_ipc,
    hit_rate, miss_rate, cal)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range r.Data {
		if _, err := stmt.ExecContext(ctx, id, e.Count,
			e.CurrentCycle, e.RetiredInstructions, e.CPUCycle,
			e.Accesses, e.Hits, e.Misses, e.BlockCount,
			nullFloat(e.CycleIPC), nullFloat(e.OverallIPC),
			nullFloat(e.HitRate), nullFloat(e.MissRate), nullFloat(e.CaL)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec insert for interval %d: %w", e.Count, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.log.Debug("report archived",
		zap.String("phase", phase),
		zap.String("cache", r.CacheName),
		zap.Uint32("cpu", r.CPUID),
		zap.Int("intervals", len(r.Data)))
	return nil
}

// Reports returns the stored reports of a phase in insertion order.
func (s *SQLite) Reports(ctx context.Context, phase string) ([]ReportRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.phase, r.cache_name, r.cpu_id, r.trace_name, r.actual_block_size,
    r.driven, r.accesses, r.hits, r.misses, r.block_count, r.hit_rate,
    (SELECT COUNT(*) FROM intervals i WHERE i.report_id = r.id)
FROM reports r
WHERE ? = '' OR r.phase = ?
ORDER BY r.id`, phase, phase)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ReportRecord
	for rows.Next() {
		var (
			rec     ReportRecord
			hitRate sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.Phase, &rec.CacheName, &rec.CPUID,
			&rec.TraceName, &rec.ActualBlockSize, &rec.Driven, &rec.Accesses,
			&rec.Hits, &rec.Misses, &rec.BlockCount, &hitRate,
			&rec.Intervals); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}

		rec.HitRate = math.NaN()
		if hitRate.Valid {
			rec.HitRate = hitRate.Float64
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// Count returns the number of stored reports.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

// Close shuts down the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
