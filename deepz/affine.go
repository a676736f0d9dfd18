package deepz

import (
	"context"

	"zonocert/nn/layers"
	"zonocert/zonotope"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Affine propagates z through a fully-connected layer: center' = W·c + b and
// g' = W·g for every generator. The bias only moves the center. Exact.
func Affine(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
	lin, err := layerAs[*layers.Linear](layer)
	if err != nil {
		return nil, err
	}
	outShape, err := lin.OutputShape(z.Shape)
	if err != nil {
		return nil, shapeMismatch(err)
	}
	W := lin.Matrix()
	n, m := z.Neurons(), outShape[0]

	center := make([]float64, m)
	mat.NewVecDense(m, center).MulVec(W, mat.NewVecDense(n, z.Center))
	floats.Add(center, lin.B.Data)

	k := z.NumGenerators()
	gens := mat.NewDense(k, m, nil)
	err = parallelRows(ctx, ex, k, func(lo, hi int) {
		dst := gens.Slice(lo, hi, 0, m).(*mat.Dense)
		dst.Mul(z.Generators.Slice(lo, hi, 0, n), W.T())
	})
	if err != nil {
		return nil, err
	}
	return build(center, gens, outShape)
}

// Normalize propagates z through a per-channel (x-mean)/std layer. The mean
// shifts the center only; generators are scaled by 1/std. Exact.
func Normalize(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
	norm, err := layerAs[*layers.Normalize](layer)
	if err != nil {
		return nil, err
	}
	scale, offset, err := norm.Coefficients(z.Shape)
	if err != nil {
		return nil, shapeMismatch(err)
	}

	center := make([]float64, len(z.Center))
	for j, c := range z.Center {
		center[j] = scale[j]*c + offset[j]
	}

	k, n := z.Generators.Dims()
	gens := mat.NewDense(k, n, nil)
	err = parallelRows(ctx, ex, k, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			floats.MulTo(gens.RawRowView(i), z.Generators.RawRowView(i), scale)
		}
	})
	if err != nil {
		return nil, err
	}
	return build(center, gens, z.Shape)
}

// Flatten is the explicit identity transformer for reshape-only layers.
func Flatten(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
	flat, err := layerAs[*layers.Flatten](layer)
	if err != nil {
		return nil, err
	}
	outShape, err := flat.OutputShape(z.Shape)
	if err != nil {
		return nil, shapeMismatch(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := z.Clone()
	out.Shape = outShape
	return out, nil
}
