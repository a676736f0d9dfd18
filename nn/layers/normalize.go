package layers

import (
	"fmt"

	"zonocert/tensor"
)

// Normalize applies (x - Mean[c]) / Std[c] per channel of a [C,H,W] input.
// A single Mean/Std pair is broadcast over every element of any shape.
type Normalize struct {
	Mean []float64
	Std  []float64
}

// NewNormalize returns a normalization layer; MNIST networks use 0.1307/0.3081.
func NewNormalize(mean, std []float64) *Normalize {
	return &Normalize{Mean: append([]float64(nil), mean...), Std: append([]float64(nil), std...)}
}

func (n *Normalize) Kind() Kind { return KindNormalize }

func (n *Normalize) OutputShape(in []int) ([]int, error) {
	if len(n.Mean) == 0 || len(n.Mean) != len(n.Std) {
		return nil, fmt.Errorf("%s: mean and std must be non-empty and of equal length", n.Tag())
	}
	for _, s := range n.Std {
		if s == 0 {
			return nil, fmt.Errorf("%s: std must be non-zero", n.Tag())
		}
	}
	if len(n.Mean) > 1 {
		if len(in) != 3 || in[0] != len(n.Mean) {
			return nil, shapeErr(n, in, "expected [%d,H,W] input", len(n.Mean))
		}
	}
	return append([]int(nil), in...), nil
}

// Coefficients expands the layer into per-element y = scale*x + offset for an
// input of the given shape.
func (n *Normalize) Coefficients(shape []int) (scale, offset []float64, err error) {
	if _, err := n.OutputShape(shape); err != nil {
		return nil, nil, err
	}
	size := tensor.Numel(shape)
	plane := size
	if len(n.Mean) > 1 {
		plane = shape[1] * shape[2]
	}
	scale = make([]float64, size)
	offset = make([]float64, size)
	for i := 0; i < size; i++ {
		c := i / plane
		scale[i] = 1 / n.Std[c]
		offset[i] = -n.Mean[c] / n.Std[c]
	}
	return scale, offset, nil
}

func (n *Normalize) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := forwardShape(n, x)
	if err != nil {
		return nil, err
	}
	scale, offset, err := n.Coefficients(x.Shape)
	if err != nil {
		return nil, err
	}
	for i, v := range x.Data {
		y.Data[i] = scale[i]*v + offset[i]
	}
	return y, nil
}

func (n *Normalize) Tag() string { return fmt.Sprintf("Normalize_%d", len(n.Mean)) }
