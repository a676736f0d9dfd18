package crosscheck

import (
	"context"
	"fmt"
	"math"

	"zonocert/deepz"
	"zonocert/nn"
	"zonocert/nn/layers"
	"zonocert/tensor"
	"zonocert/zonotope"
)

// DefaultTolerance absorbs floating-point drift between the abstract and the
// concrete computation.
const DefaultTolerance = 1e-9

// Violation is a concrete value outside its abstract interval.
type Violation struct {
	Layer    int
	Neuron   int
	Value    float64
	Interval zonotope.Interval
}

func (v Violation) String() string {
	return fmt.Sprintf("layer %d neuron %d: %g outside %v", v.Layer, v.Neuron, v.Value, v.Interval)
}

// Report summarizes one soundness check.
type Report struct {
	Samples    int
	Violations []Violation
	// LayerBounds[i] are the abstract bounds after layer i.
	LayerBounds [][]zonotope.Interval
}

// Sound reports whether no sample escaped.
func (r *Report) Sound() bool { return len(r.Violations) == 0 }

// CheckSoundness propagates the eps-ball around image through net with v,
// records the bounds after every layer and checks that the concrete outputs
// of the given number of sampled inputs stay inside them at every layer.
func CheckSoundness(ctx context.Context, v *deepz.Verifier, net *nn.Sequential, image *tensor.Tensor, eps float64, samples int) (*Report, error) {
	z, err := zonotope.FromImage(image, eps)
	if err != nil {
		return nil, err
	}
	rep := &Report{Samples: samples}
	_, err = v.Propagate(ctx, net.Layers, z, func(i int, _ layers.Layer, _, out *zonotope.Zonotope) error {
		rep.LayerBounds = append(rep.LayerBounds, out.Bounds())
		return nil
	})
	if err != nil {
		return nil, err
	}

	sampler := NewSampler(image, eps)
	for s := 0; s < samples; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trace, err := net.Trace(sampler.Draw(s))
		if err != nil {
			return nil, err
		}
		for i, out := range trace {
			rep.Violations = append(rep.Violations, Compare(i, out.Data, rep.LayerBounds[i], DefaultTolerance)...)
		}
	}
	return rep, nil
}

// Compare lists every value of one layer output outside its interval. The
// tolerance is relative to the magnitude of the bound.
func Compare(layer int, values []float64, bounds []zonotope.Interval, tol float64) []Violation {
	var out []Violation
	for j, x := range values {
		b := bounds[j]
		slack := tol * math.Max(1, math.Max(math.Abs(b.Lower), math.Abs(b.Upper)))
		if !b.Contains(x, slack) {
			out = append(out, Violation{Layer: layer, Neuron: j, Value: x, Interval: b})
		}
	}
	return out
}
