package layers

import "zonocert/tensor"

// Flatten layer: reshapes tensor to 1D.
type Flatten struct{}

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Kind() Kind { return KindFlatten }

func (f *Flatten) OutputShape(in []int) ([]int, error) {
	return []int{tensor.Numel(in)}, nil
}

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := forwardShape(f, x)
	if err != nil {
		return nil, err
	}
	copy(y.Data, x.Data)
	return y, nil
}

func (f *Flatten) Tag() string { return "Flatten" }
