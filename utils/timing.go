package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether timing statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where timing statistics are printed.
// Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// LayerTiming is the time spent in one layer's transformer.
type LayerTiming struct {
	Tag        string
	Generators int
	Elapsed    time.Duration
}

// TimingStats holds timing information for a batch of verification runs
type TimingStats struct {
	TotalTime   time.Duration
	LoadTime    time.Duration
	AttackTime  time.Duration
	VerifyTime  time.Duration
	Layers      []LayerTiming
	Queries     int
	MaxGenCount int
}

// AddLayers accumulates per-layer times of one run, index by index.
func (s *TimingStats) AddLayers(runs []LayerTiming) {
	for i, r := range runs {
		if i >= len(s.Layers) {
			s.Layers = append(s.Layers, LayerTiming{Tag: r.Tag})
		}
		s.Layers[i].Elapsed += r.Elapsed
		if r.Generators > s.Layers[i].Generators {
			s.Layers[i].Generators = r.Generators
		}
		if r.Generators > s.MaxGenCount {
			s.MaxGenCount = r.Generators
		}
	}
}

// PrintTimingStats prints detailed timing statistics.
// Respects the Verbose flag - does nothing if Verbose is false.
func PrintTimingStats(stats *TimingStats) {
	if !Verbose {
		return
	}
	queries := stats.Queries
	if queries == 0 {
		queries = 1
	}
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total time: %v\n", stats.TotalTime)
	fmt.Fprintf(Output, "Queries: %d\n", stats.Queries)
	fmt.Fprintf(Output, "Average time per query: %v\n", stats.TotalTime/time.Duration(queries))
	fmt.Fprintln(Output, "\nBreakdown by operation:")
	fmt.Fprintf(Output, "  Network loading: %v (%.1f%%)\n", stats.LoadTime, percent(stats.LoadTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Attack: %v (%.1f%%)\n", stats.AttackTime, percent(stats.AttackTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Verification: %v (%.1f%%)\n", stats.VerifyTime, percent(stats.VerifyTime, stats.TotalTime))
	if len(stats.Layers) == 0 {
		return
	}
	fmt.Fprintln(Output, "\nVerification breakdown:")
	for i, l := range stats.Layers {
		fmt.Fprintf(Output, "  %2d %-20s %v (%.1f%% of verify, max %d generators)\n",
			i, l.Tag, l.Elapsed, percent(l.Elapsed, stats.VerifyTime), l.Generators)
	}
	fmt.Fprintf(Output, "\nLargest zonotope: %d generators\n", stats.MaxGenCount)
}

func percent(part, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
