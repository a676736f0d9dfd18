package layers

import "zonocert/tensor"

// ReLU is the elementwise max(x, 0) activation.
type ReLU struct{}

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Kind() Kind { return KindReLU }

func (r *ReLU) OutputShape(in []int) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := forwardShape(r, x); err != nil {
		return nil, err
	}
	return tensor.ReluPlain(x), nil
}

func (r *ReLU) Tag() string { return "ReLU" }
