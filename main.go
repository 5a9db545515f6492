// Package main points to the calmon command line in cmd/calmon.
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("calmon - Cache Access Locality Monitor")
	fmt.Println("")
	fmt.Println("Replays a memory trace through per-core L1D/L2 caches, samples the")
	fmt.Println("cache counters every N misses, optionally drives the block size from")
	fmt.Println("a sequence, and writes one JSON report line per cache and phase.")
	fmt.Println("")
	fmt.Println("Usage: go run ./cmd/calmon run [options] <trace>")
	fmt.Println("Run 'go run ./cmd/calmon run --help' for all options.")

	if len(os.Args) > 1 {
		os.Exit(2)
	}
}
