package deepz

import (
	"context"

	"zonocert/nn/layers"
	"zonocert/tensor"
	"zonocert/zonotope"

	"gonum.org/v1/gonum/mat"
)

// Conv propagates z through a convolution. Center and every generator go
// through the same kernel, stride and padding; only the center gets the bias.
// Exact, since convolution is linear.
func Conv(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
	conv, err := layerAs[*layers.Conv2D](layer)
	if err != nil {
		return nil, err
	}
	outShape, err := conv.OutputShape(z.Shape)
	if err != nil {
		return nil, shapeMismatch(err)
	}
	inH, inW := z.Shape[1], z.Shape[2]
	m := tensor.Numel(outShape)

	center := make([]float64, m)
	conv.Apply(z.Center, center, inH, inW, true)

	k := z.NumGenerators()
	gens := mat.NewDense(k, m, nil)
	err = parallelRows(ctx, ex, k, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			conv.Apply(z.Generators.RawRowView(i), gens.RawRowView(i), inH, inW, false)
		}
	})
	if err != nil {
		return nil, err
	}
	return build(center, gens, outShape)
}

// AvgPool propagates z through non-overlapping average pooling. Exact.
func AvgPool(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
	pool, err := layerAs[*layers.AvgPool2D](layer)
	if err != nil {
		return nil, err
	}
	outShape, err := pool.OutputShape(z.Shape)
	if err != nil {
		return nil, shapeMismatch(err)
	}
	C, H, W := z.Shape[0], z.Shape[1], z.Shape[2]
	m := tensor.Numel(outShape)

	center := make([]float64, m)
	pool.Apply(z.Center, center, C, H, W)

	k := z.NumGenerators()
	gens := mat.NewDense(k, m, nil)
	err = parallelRows(ctx, ex, k, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			pool.Apply(z.Generators.RawRowView(i), gens.RawRowView(i), C, H, W)
		}
	})
	if err != nil {
		return nil, err
	}
	return build(center, gens, outShape)
}
