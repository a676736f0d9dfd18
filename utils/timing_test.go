package utils

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationUS(t *testing.T) {
	d := 1234*time.Microsecond + 567*time.Nanosecond
	got := DurationUS(d)
	if math.Abs(got-1234.567) > 0.001 {
		t.Fatalf("want 1234.567µs, got %.3f", got)
	}
}

func TestTimingStatsAddLayers(t *testing.T) {
	var stats TimingStats
	stats.AddLayers([]LayerTiming{{Tag: "Linear_2_2", Generators: 2, Elapsed: time.Millisecond}})
	stats.AddLayers([]LayerTiming{
		{Tag: "Linear_2_2", Generators: 2, Elapsed: 2 * time.Millisecond},
		{Tag: "ReLU", Generators: 4, Elapsed: time.Millisecond},
	})

	assert.Len(t, stats.Layers, 2)
	assert.Equal(t, 3*time.Millisecond, stats.Layers[0].Elapsed)
	assert.Equal(t, 4, stats.Layers[1].Generators)
	assert.Equal(t, 4, stats.MaxGenCount)
}

func TestPrintTimingStats(t *testing.T) {
	var buf bytes.Buffer
	oldOut, oldVerbose := Output, Verbose
	defer func() { Output, Verbose = oldOut, oldVerbose }()
	Output = &buf

	stats := &TimingStats{TotalTime: time.Second, VerifyTime: 500 * time.Millisecond, Queries: 2}
	stats.AddLayers([]LayerTiming{{Tag: "ReLU", Generators: 10, Elapsed: 250 * time.Millisecond}})

	Verbose = false
	PrintTimingStats(stats)
	assert.Empty(t, buf.String())

	Verbose = true
	PrintTimingStats(stats)
	out := buf.String()
	assert.True(t, strings.Contains(out, "TIMING STATISTICS"))
	assert.Contains(t, out, "Average time per query: 500ms")
	assert.Contains(t, out, "50.0% of verify")
	assert.Contains(t, out, "Largest zonotope: 10 generators")
}
