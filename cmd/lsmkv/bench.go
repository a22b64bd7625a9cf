package main

import (
	"flag"
	"fmt"
	"io"
	"sync"
	"time"

	"lsmkv/pkg/store"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func bench(s *store.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(out)
	n := fs.Int("n", 10000, "operations per test")
	c := fs.Int("c", 8, "concurrent goroutines")
	size := fs.Int("value-size", 100, "value size in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n < 1 || *c < 1 {
		return fmt.Errorf("-n and -c must be positive")
	}

	value := make([]byte, *size)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	key := func(worker, i int) []byte {
		return []byte(fmt.Sprintf("bench_key_%03d_%08d", worker, i))
	}
	put := func(worker, i int) bool { return s.Put(key(worker, i), value) == nil }
	get := func(worker, i int) bool {
		_, ok, err := s.Get(key(worker, i))
		return err == nil && ok
	}

	fmt.Fprintf(out, "=== lsmkv benchmark: %d ops, value %d bytes ===\n", *n, *size)
	printResult(out, "Sequential Writes", runOps(*n, 1, put))
	printResult(out, "Sequential Reads", runOps(*n, 1, get))
	printResult(out, fmt.Sprintf("Concurrent Writes (%d goroutines)", *c), runOps(*n, *c, put))
	printResult(out, fmt.Sprintf("Concurrent Reads (%d goroutines)", *c), runOps(*n, *c, get))

	start := time.Now()
	if err := s.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nFlush: %v\n", time.Since(start))
	printResult(out, fmt.Sprintf("Concurrent Reads from segments (%d goroutines)", *c), runOps(*n, *c, get))

	return nil
}

// runOps splits totalOps among concurrency workers. op(worker, i) is called
// with i counting that worker's operations from zero.
func runOps(totalOps, concurrency int, op func(worker, i int) bool) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for w := 0; w < concurrency; w++ {
		ops := opsPerGoroutine
		if w < remainder {
			ops++
		}

		wg.Add(1)
		go func(w, ops int) {
			defer wg.Done()

			local := make([]time.Duration, 0, ops)
			ok := 0
			for i := 0; i < ops; i++ {
				opStart := time.Now()
				if op(w, i) {
					ok++
				}
				local = append(local, time.Since(opStart))
			}

			mu.Lock()
			successful += ok
			failed += ops - ok
			latencies = append(latencies, local...)
			mu.Unlock()
		}(w, ops)
	}

	wg.Wait()
	duration := time.Since(start)

	var minLat, maxLat, sum time.Duration
	for i, lat := range latencies {
		if i == 0 || lat < minLat {
			minLat = lat
		}
		if lat > maxLat {
			maxLat = lat
		}
		sum += lat
	}

	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		MinLatency:    minLat,
		MaxLatency:    maxLat,
	}
	if len(latencies) > 0 {
		res.AvgLatency = sum / time.Duration(len(latencies))
	}
	return res
}

func printResult(out io.Writer, name string, r BenchmarkResult) {
	fmt.Fprintf(out, "\n%s:\n", name)
	fmt.Fprintf(out, "  Total:      %d (ok %d, failed %d)\n", r.TotalOps, r.SuccessfulOps, r.FailedOps)
	fmt.Fprintf(out, "  Duration:   %v\n", r.Duration)
	fmt.Fprintf(out, "  Throughput: %.0f ops/sec\n", r.OpsPerSec)
	fmt.Fprintf(out, "  Latency:    avg %v, min %v, max %v\n", r.AvgLatency, r.MinLatency, r.MaxLatency)
}
