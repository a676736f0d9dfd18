package deepz

import (
	"context"
	"math"

	"zonocert/nn/layers"
	"zonocert/zonotope"

	"gonum.org/v1/gonum/mat"
)

// ReLU is the DeepZ relaxation with a fixed slope. For a neuron crossing zero
// on [l,u] the output is bounded by λx + D/2 ± D/2 with
// D = max(-λl, (1-λ)u), the largest gap between ReLU(x) and λx on [l,u].
// Every crossing neuron adds one generator; stable neurons are exact.
type ReLU struct {
	Lambda float64

	// MaxGenerators aborts before allocating an output with more noise
	// symbols than this. 0 disables the check.
	MaxGenerators int
}

// Relax returns the center offset and new generator coefficient for a
// crossing neuron with bounds [l,u]; both equal D/2.
func (r *ReLU) Relax(l, u float64) float64 {
	return math.Max(-r.Lambda*l, (1-r.Lambda)*u) / 2
}

func (r *ReLU) Transform(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
	if _, err := layerAs[*layers.ReLU](layer); err != nil {
		return nil, err
	}
	bounds, err := parallelBounds(ctx, ex, z)
	if err != nil {
		return nil, err
	}

	n := z.Neurons()
	scale := make([]float64, n)
	center := make([]float64, n)
	var crossing []int
	var coef []float64
	for j, b := range bounds {
		switch {
		case !(b.Lower <= b.Upper):
			return nil, newError(CodeInternal, nil, "neuron %d has bounds %v before relu", j, b)
		case b.Upper <= 0:
			// always inactive: scale and center stay 0
		case b.Lower >= 0:
			scale[j] = 1
			center[j] = z.Center[j]
		default:
			half := r.Relax(b.Lower, b.Upper)
			scale[j] = r.Lambda
			center[j] = r.Lambda*z.Center[j] + half
			crossing = append(crossing, j)
			coef = append(coef, half)
		}
	}

	k := z.NumGenerators()
	total := k + len(crossing)
	if r.MaxGenerators > 0 && total > r.MaxGenerators {
		return nil, exhausted("relu needs %d generators, cap is %d", total, r.MaxGenerators)
	}

	gens := mat.NewDense(total, n, nil)
	err = parallelRows(ctx, ex, k, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			src, dst := z.Generators.RawRowView(i), gens.RawRowView(i)
			for j, g := range src {
				dst[j] = g * scale[j]
			}
		}
	})
	if err != nil {
		return nil, err
	}
	for q, j := range crossing {
		gens.Set(k+q, j, coef[q])
	}
	return build(center, gens, z.Shape)
}

// parallelBounds is zonotope.Bounds split over neuron ranges.
func parallelBounds(ctx context.Context, ex *Exec, z *zonotope.Zonotope) ([]zonotope.Interval, error) {
	rad := make([]float64, z.Neurons())
	err := parallelRows(ctx, ex, len(rad), func(lo, hi int) {
		z.RadiusRange(rad, lo, hi)
	})
	if err != nil {
		return nil, err
	}
	return zonotope.IntervalsFrom(z.Center, rad), nil
}
