package deepz

import (
	"context"
	"errors"
	"fmt"

	"zonocert/nn/layers"
	"zonocert/zonotope"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Transformer maps a zonotope through one layer. It reads only z and the
// layer's parameters, returns a freshly allocated zonotope and must keep the
// soundness invariant: every concrete output of the layer, for every concrete
// input represented by z, is represented by the result.
type Transformer interface {
	Transform(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error)
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error)

func (f TransformerFunc) Transform(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
	return f(ctx, ex, layer, z)
}

// Registry is the dispatch table from layer kind to transformer. A kind with
// no entry is rejected; nothing passes through by default.
type Registry map[layers.Kind]Transformer

// DefaultRegistry maps every built-in kind. The ReLU entry uses lambda.
func DefaultRegistry(lambda float64) Registry {
	return Registry{
		layers.KindAffine:    TransformerFunc(Affine),
		layers.KindConv2D:    TransformerFunc(Conv),
		layers.KindReLU:      &ReLU{Lambda: lambda},
		layers.KindFlatten:   TransformerFunc(Flatten),
		layers.KindNormalize: TransformerFunc(Normalize),
		layers.KindAvgPool2D: TransformerFunc(AvgPool),
	}
}

// layerAs asserts the concrete type behind a layer kind.
func layerAs[T layers.Layer](layer layers.Layer) (T, error) {
	l, ok := layer.(T)
	if !ok {
		var want T
		return want, newError(CodeUnsupportedLayer, nil, "kind %q implemented by %T, transformer needs %T", layer.Kind(), layer, want)
	}
	return l, nil
}

// shapeMismatch classifies an OutputShape failure.
func shapeMismatch(err error) error {
	var se *layers.ShapeError
	if errors.As(err, &se) {
		return newError(CodeShapeMismatch, err, "incompatible input")
	}
	return newError(CodeShapeMismatch, err, "invalid layer parameters")
}

// build wraps the transformer output, mapping a construction failure to an
// internal error since it means the transformer got its own dimensions wrong.
func build(center []float64, gens *mat.Dense, shape []int) (*zonotope.Zonotope, error) {
	out, err := zonotope.New(center, gens, shape)
	if err != nil {
		return nil, newError(CodeInternal, err, "malformed transformer output")
	}
	return out, nil
}

// parallelRows runs fn over [0, rows) split into contiguous chunks, one
// goroutine per chunk, at most ex.workers() at a time. Chunks must write
// disjoint data.
func parallelRows(ctx context.Context, ex *Exec, rows int, fn func(lo, hi int)) error {
	workers := ex.workers()
	if workers <= 1 || rows < 2 {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(0, rows)
		return nil
	}
	chunk := (rows + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < rows; lo += chunk {
		lo, hi := lo, min(lo+chunk, rows)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(lo, hi)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("parallel rows: %w", err)
	}
	return nil
}
