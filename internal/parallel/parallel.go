// Package parallel splits matrix rows across goroutines for host-side kernels.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how rows are split.
type Config struct {
	Workers int // Goroutines per call; 1 or less runs on the caller's goroutine
	MinRows int // Calls with fewer rows stay sequential
}

// Default uses one worker per usable CPU.
func Default() Config {
	return Config{Workers: runtime.GOMAXPROCS(0), MinRows: 2}
}

// Sequential runs every call on the caller's goroutine.
func Sequential() Config {
	return Config{Workers: 1}
}

// Rows calls f with contiguous, disjoint ranges [start, end) that together cover
// [0, n), and returns once every call has returned.
func Rows(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	workers := min(cfg.Workers, n)
	if workers <= 1 || n < cfg.MinRows {
		f(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(start, end)
		}()
	}
	wg.Wait()
}
