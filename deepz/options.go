package deepz

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// DefaultLambda is the fixed ReLU relaxation slope.
const DefaultLambda = 0.4

// Exec is the execution context threaded through every transformer.
type Exec struct {
	// Workers bounds the goroutines used inside one layer. <= 0 means GOMAXPROCS.
	Workers int

	// Logger receives per-layer debug lines. nil means no logging.
	Logger *zap.Logger
}

func (e *Exec) workers() int {
	if e == nil || e.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return e.Workers
}

func (e *Exec) logger() *zap.Logger {
	if e == nil || e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Options configures a Verifier.
type Options struct {
	// Lambda is the slope of the ReLU relaxation for crossing neurons, in [0,1].
	Lambda float64

	// MaxGenerators caps the number of noise symbols. 0 disables the cap.
	MaxGenerators int

	// Timeout bounds one Verify call. 0 relies on the caller's context only.
	Timeout time.Duration

	Exec Exec
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{Lambda: DefaultLambda}
}

// Validate checks every field.
func (o Options) Validate() error {
	if math.IsNaN(o.Lambda) || o.Lambda < 0 || o.Lambda > 1 {
		return fmt.Errorf("lambda must be in [0,1], got %g", o.Lambda)
	}
	if o.MaxGenerators < 0 {
		return fmt.Errorf("max generators must be non-negative, got %d", o.MaxGenerators)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %v", o.Timeout)
	}
	return nil
}

// Option mutates Options.
type Option func(*Options)

func WithLambda(lambda float64) Option { return func(o *Options) { o.Lambda = lambda } }

func WithMaxGenerators(n int) Option { return func(o *Options) { o.MaxGenerators = n } }

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }

func WithWorkers(n int) Option { return func(o *Options) { o.Exec.Workers = n } }

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Exec.Logger = l } }

// WithOptions replaces every field at once.
func WithOptions(opts Options) Option { return func(o *Options) { *o = opts } }
