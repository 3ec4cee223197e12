// Package parallel provides parallel execution utilities for the CPU device.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1, // A work group is already a coarse unit.
	}
}

// Workers returns the number of goroutines For would use for n items.
func (c Config) Workers(n int) int {
	if !c.Enabled || c.NumWorkers <= 1 || n < 2*max(c.MinChunkSize, 1) {
		return 1
	}
	return min(c.NumWorkers, (n+c.chunk(n)-1)/c.chunk(n))
}

func (c Config) chunk(n int) int {
	workers := max(c.NumWorkers, 1)
	return max((n+workers-1)/workers, c.MinChunkSize, 1)
}

// For executes f(i) for i in [0, n) with optional parallelism and returns the
// first error. Remaining items are skipped once f fails or ctx is done.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func For(ctx context.Context, n int, f func(i int) error, cfg Config) error {
	if cfg.Workers(n) == 1 {
		// Sequential fallback.
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.NumWorkers)
	chunkSize := cfg.chunk(n)

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := f(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
