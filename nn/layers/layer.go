package layers

import (
	"fmt"

	"zonocert/tensor"
)

// Kind discriminates the layer variants a network can be built from.
type Kind string

const (
	KindAffine    Kind = "affine"
	KindConv2D    Kind = "conv2d"
	KindReLU      Kind = "relu"
	KindFlatten   Kind = "flatten"
	KindNormalize Kind = "normalize"
	KindAvgPool2D Kind = "avgpool2d"
)

// Kinds lists every built-in kind in declaration order.
var Kinds = []Kind{KindAffine, KindConv2D, KindReLU, KindFlatten, KindNormalize, KindAvgPool2D}

// Layer is a read-only layer specification: its kind, its parameters and a
// concrete forward pass. Implementations must not mutate their parameters in
// Forward.
type Layer interface {
	Kind() Kind
	// Forward runs the concrete (plaintext) computation.
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// OutputShape infers the output shape for an input of shape in.
	OutputShape(in []int) ([]int, error)
	Tag() string
}

// ShapeError reports an input shape a layer cannot consume.
type ShapeError struct {
	Tag   string
	Shape []int
	msg   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s (input shape %v)", e.Tag, e.msg, e.Shape)
}

func shapeErr(l Layer, in []int, format string, args ...interface{}) *ShapeError {
	return &ShapeError{Tag: l.Tag(), Shape: append([]int(nil), in...), msg: fmt.Sprintf(format, args...)}
}

// forwardShape validates x against l and allocates the output tensor.
func forwardShape(l Layer, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("%s: nil input", l.Tag())
	}
	if tensor.Numel(x.Shape) != len(x.Data) {
		return nil, fmt.Errorf("%s: tensor shape %v does not match %d elements", l.Tag(), x.Shape, len(x.Data))
	}
	outShape, err := l.OutputShape(x.Shape)
	if err != nil {
		return nil, err
	}
	return tensor.New(outShape...), nil
}

// chw unpacks a [C,H,W] shape.
func chw(l Layer, in []int) (c, h, w int, err error) {
	if len(in) != 3 {
		return 0, 0, 0, shapeErr(l, in, "expected [C,H,W] input")
	}
	return in[0], in[1], in[2], nil
}
