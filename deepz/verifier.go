// Package deepz certifies L∞ robustness of ReLU networks by propagating a
// zonotope through one abstract transformer per layer and comparing the
// resulting class intervals.
package deepz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"zonocert/nn/layers"
	"zonocert/tensor"
	"zonocert/zonotope"

	"go.uber.org/zap"
)

// Verdict is the normal outcome of a verification run.
type Verdict int

const (
	// NotCertified means the relaxation was too coarse to separate the
	// classes. It is not evidence of an adversarial example.
	NotCertified Verdict = iota
	Certified
	// ResourceExhausted means a generator cap or deadline stopped the run.
	ResourceExhausted
)

func (v Verdict) String() string {
	switch v {
	case Certified:
		return "certified"
	case NotCertified:
		return "not_certified"
	case ResourceExhausted:
		return "resource_exhausted"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Verdict) UnmarshalText(b []byte) error {
	for _, c := range []Verdict{NotCertified, Certified, ResourceExhausted} {
		if string(b) == c.String() {
			*v = c
			return nil
		}
	}
	return fmt.Errorf("unknown verdict %q", b)
}

// Query is one robustness question: is TrueLabel stable for every input in
// the eps-ball around Image?
type Query struct {
	Image     *tensor.Tensor
	Eps       float64
	TrueLabel int
}

// LayerTrace records what one transformer did.
type LayerTrace struct {
	Index      int           `json:"index"`
	Kind       layers.Kind   `json:"kind"`
	Tag        string        `json:"tag"`
	Shape      []int         `json:"shape"`
	Generators int           `json:"generators"`
	Crossing   int           `json:"crossing"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Result is the outcome of Verify.
type Result struct {
	Verdict    Verdict             `json:"verdict"`
	Bounds     []zonotope.Interval `json:"bounds,omitempty"`
	Generators int                 `json:"generators"`
	Layers     []LayerTrace        `json:"layers"`
	Reason     string              `json:"reason,omitempty"`
	Elapsed    time.Duration       `json:"elapsed_ns"`
}

// Verifier runs queries against layer sequences. It holds no per-run state
// and is safe for concurrent use once configured.
type Verifier struct {
	opts     Options
	registry Registry
}

// NewVerifier builds a verifier with the default registry.
func NewVerifier(opts ...Option) *Verifier {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	reg := DefaultRegistry(o.Lambda)
	reg[layers.KindReLU] = &ReLU{Lambda: o.Lambda, MaxGenerators: o.MaxGenerators}
	return &Verifier{opts: o, registry: reg}
}

// Options returns the configuration in use.
func (v *Verifier) Options() Options { return v.opts }

// Register installs or replaces the transformer for kind. Not safe to call
// concurrently with Verify.
func (v *Verifier) Register(kind layers.Kind, t Transformer) {
	v.registry[kind] = t
}

// Verify is shorthand for NewVerifier(opts...).Verify.
func Verify(ctx context.Context, net []layers.Layer, q Query, opts ...Option) (*Result, error) {
	return NewVerifier(opts...).Verify(ctx, net, q)
}

// Verify decides q against net. A non-nil error means no verdict was reached.
func (v *Verifier) Verify(ctx context.Context, net []layers.Layer, q Query) (*Result, error) {
	start := time.Now()
	log := v.opts.Exec.logger()

	if err := v.opts.Validate(); err != nil {
		return nil, newError(CodeInvalidInput, err, "options")
	}
	if _, err := v.Preflight(net, q); err != nil {
		return nil, err
	}
	if v.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.opts.Timeout)
		defer cancel()
	}

	res := &Result{}
	finish := func(r *Result) *Result {
		r.Elapsed = time.Since(start)
		log.Info("verification finished",
			zap.Stringer("verdict", r.Verdict),
			zap.Int("label", q.TrueLabel),
			zap.Float64("eps", q.Eps),
			zap.Int("generators", r.Generators),
			zap.Duration("elapsed", r.Elapsed))
		return r
	}

	z, err := zonotope.FromImage(q.Image, q.Eps)
	if err != nil {
		return nil, newError(CodeInvalidInput, err, "perturbation box")
	}
	res.Generators = z.NumGenerators()
	if limit := v.opts.MaxGenerators; limit > 0 && res.Generators > limit {
		res.Verdict = ResourceExhausted
		res.Reason = fmt.Sprintf("input needs %d generators, cap is %d", res.Generators, limit)
		return finish(res), nil
	}

	last := time.Now()
	out, err := v.Propagate(ctx, net, z, func(i int, l layers.Layer, in, out *zonotope.Zonotope) error {
		tr := LayerTrace{
			Index:      i,
			Kind:       l.Kind(),
			Tag:        l.Tag(),
			Shape:      append([]int(nil), out.Shape...),
			Generators: out.NumGenerators(),
			Crossing:   out.NumGenerators() - in.NumGenerators(),
			Elapsed:    time.Since(last),
		}
		last = time.Now()
		res.Layers = append(res.Layers, tr)
		res.Generators = tr.Generators
		log.Debug("layer propagated",
			zap.Int("layer", tr.Index),
			zap.String("kind", string(tr.Kind)),
			zap.Int("neurons", out.Neurons()),
			zap.Int("generators", tr.Generators),
			zap.Int("crossing", tr.Crossing),
			zap.Duration("elapsed", tr.Elapsed))
		return nil
	})
	if err != nil {
		var ex *exhaustedError
		switch {
		case errors.As(err, &ex):
			res.Verdict = ResourceExhausted
			res.Reason = ex.reason
			return finish(res), nil
		case errors.Is(err, context.DeadlineExceeded):
			res.Verdict = ResourceExhausted
			res.Reason = "deadline exceeded"
			return finish(res), nil
		}
		return nil, err
	}

	bounds, err := parallelBounds(ctx, &v.opts.Exec, out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.Verdict = ResourceExhausted
			res.Reason = "deadline exceeded"
			return finish(res), nil
		}
		return nil, err
	}
	verdict, err := Decide(bounds, q.TrueLabel)
	if err != nil {
		return nil, err
	}
	res.Verdict = verdict
	res.Bounds = bounds
	return finish(res), nil
}

// Visit observes the input and output zonotope of layer i. Returning an
// error stops propagation.
type Visit func(i int, l layers.Layer, in, out *zonotope.Zonotope) error

// Propagate threads z through net in order and returns the final zonotope.
// visit may be nil. z is not modified.
func (v *Verifier) Propagate(ctx context.Context, net []layers.Layer, z *zonotope.Zonotope, visit Visit) (*zonotope.Zonotope, error) {
	cur := z
	for i, l := range net {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("before layer %d: %w", i, err)
		}
		if l == nil {
			return nil, &Error{Code: CodeInvalidInput, Layer: i, Message: "nil layer"}
		}
		t, ok := v.registry[l.Kind()]
		if !ok {
			return nil, &Error{Code: CodeUnsupportedLayer, Layer: i, Kind: l.Kind(), Message: "no transformer registered"}
		}
		out, err := t.Transform(ctx, &v.opts.Exec, l, cur)
		if err != nil {
			return nil, layerError(i, l, err)
		}
		if limit := v.opts.MaxGenerators; limit > 0 && out.NumGenerators() > limit {
			return nil, exhausted("layer %d produced %d generators, cap is %d", i, out.NumGenerators(), limit)
		}
		if visit != nil {
			if err := visit(i, l, cur, out); err != nil {
				return nil, err
			}
		}
		cur = out
	}
	return cur, nil
}

// layerError attaches the layer position to transformer failures.
func layerError(i int, l layers.Layer, err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Layer < 0 {
			cp := *e
			cp.Layer, cp.Kind = i, l.Kind()
			return &cp
		}
		return err
	}
	var ex *exhaustedError
	if errors.As(err, &ex) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("layer %d: %w", i, err)
	}
	return &Error{Code: CodeInternal, Layer: i, Kind: l.Kind(), Message: "transformer failed", Err: err}
}

// Preflight rejects a query before any propagation and returns the number of
// output classes.
func (v *Verifier) Preflight(net []layers.Layer, q Query) (int, error) {
	if len(net) == 0 {
		return 0, invalidInput("empty layer sequence")
	}
	if q.Image == nil || len(q.Image.Data) == 0 {
		return 0, invalidInput("empty image")
	}
	if tensor.Numel(q.Image.Shape) != len(q.Image.Data) {
		return 0, invalidInput("image shape %v does not match %d pixels", q.Image.Shape, len(q.Image.Data))
	}
	if q.Eps < 0 || math.IsNaN(q.Eps) || math.IsInf(q.Eps, 0) {
		return 0, invalidInput("eps must be finite and non-negative, got %g", q.Eps)
	}

	shape := q.Image.Shape
	for i, l := range net {
		if l == nil {
			return 0, &Error{Code: CodeInvalidInput, Layer: i, Message: "nil layer"}
		}
		if _, ok := v.registry[l.Kind()]; !ok {
			return 0, &Error{Code: CodeUnsupportedLayer, Layer: i, Kind: l.Kind(), Message: "no transformer registered"}
		}
		next, err := l.OutputShape(shape)
		if err != nil {
			return 0, layerError(i, l, shapeMismatch(err))
		}
		shape = next
	}

	classes := tensor.Numel(shape)
	if q.TrueLabel < 0 || q.TrueLabel >= classes {
		return 0, invalidInput("true label %d outside [0, %d)", q.TrueLabel, classes)
	}
	return classes, nil
}

// Decide applies the certification rule: every other class must have
// upper <= lower of the true label. Ties certify.
func Decide(bounds []zonotope.Interval, trueLabel int) (Verdict, error) {
	if trueLabel < 0 || trueLabel >= len(bounds) {
		return NotCertified, invalidInput("true label %d outside [0, %d)", trueLabel, len(bounds))
	}
	for i, b := range bounds {
		if !(b.Lower <= b.Upper) {
			return NotCertified, newError(CodeInternal, nil, "class %d has bounds %v", i, b)
		}
	}
	lower := bounds[trueLabel].Lower
	for i, b := range bounds {
		if i == trueLabel {
			continue
		}
		if b.Upper > lower {
			return NotCertified, nil
		}
	}
	return Certified, nil
}
