package nn

import (
	"fmt"

	"zonocert/nn/layers"
	"zonocert/tensor"
)

// Sequential chains multiple layers in order.
type Sequential struct {
	Name       string
	InputShape []int
	Layers     []layers.Layer
}

// Forward applies each layer in sequence.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	for i, layer := range s.Layers {
		var err error
		out, err = layer.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Tag(), err)
		}
	}
	return out, nil
}

// Trace applies each layer and returns every intermediate output; entry i is
// the output of layer i.
func (s *Sequential) Trace(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	outs := make([]*tensor.Tensor, 0, len(s.Layers))
	out := x
	for i, layer := range s.Layers {
		var err error
		out, err = layer.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Tag(), err)
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// Predict returns the arg-max class of the forward pass.
func (s *Sequential) Predict(x *tensor.Tensor) (int, error) {
	out, err := s.Forward(x)
	if err != nil {
		return -1, err
	}
	return tensor.ArgMax(out), nil
}

// OutputShape chains shape inference from InputShape.
func (s *Sequential) OutputShape() ([]int, error) {
	shape := s.InputShape
	for i, layer := range s.Layers {
		next, err := layer.OutputShape(shape)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Tag(), err)
		}
		shape = next
	}
	return shape, nil
}

// NumClasses is the size of the final output.
func (s *Sequential) NumClasses() (int, error) {
	shape, err := s.OutputShape()
	if err != nil {
		return 0, err
	}
	return tensor.Numel(shape), nil
}
