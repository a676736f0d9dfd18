package layers

import (
	"fmt"

	"zonocert/tensor"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is a fully-connected layer y = W·x + B.
type Linear struct {
	W *tensor.Tensor // [outDim, inDim]
	B *tensor.Tensor // [outDim]
}

// NewLinear allocates a zero inDim→outDim layer.
func NewLinear(inDim, outDim int) *Linear {
	return &Linear{W: tensor.New(outDim, inDim), B: tensor.New(outDim)}
}

func (l *Linear) Kind() Kind { return KindAffine }

// Dims returns (inDim, outDim).
func (l *Linear) Dims() (int, int) { return l.W.Shape[1], l.W.Shape[0] }

// Validate checks that W is 2-D and B matches its rows.
func (l *Linear) Validate() error {
	if l.W == nil || len(l.W.Shape) != 2 || l.W.Shape[0] < 1 || l.W.Shape[1] < 1 {
		return fmt.Errorf("%s: weight must be a non-empty [out, in] matrix", l.Tag())
	}
	if len(l.W.Data) != tensor.Numel(l.W.Shape) {
		return fmt.Errorf("%s: weight shape %v does not match %d values", l.Tag(), l.W.Shape, len(l.W.Data))
	}
	if l.B == nil || len(l.B.Data) != l.W.Shape[0] {
		return fmt.Errorf("%s: bias must have %d entries", l.Tag(), l.W.Shape[0])
	}
	return nil
}

func (l *Linear) OutputShape(in []int) ([]int, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	inDim, outDim := l.Dims()
	if len(in) != 1 {
		return nil, shapeErr(l, in, "affine layer expects a flat input, add a flatten layer")
	}
	if in[0] != inDim {
		return nil, shapeErr(l, in, "weight expects %d inputs", inDim)
	}
	return []int{outDim}, nil
}

// Matrix views W as a gonum matrix.
func (l *Linear) Matrix() *mat.Dense {
	inDim, outDim := l.Dims()
	return mat.NewDense(outDim, inDim, l.W.Data)
}

// Forward computes W·x + B.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := forwardShape(l, x)
	if err != nil {
		return nil, err
	}
	y := mat.NewVecDense(len(out.Data), out.Data)
	y.MulVec(l.Matrix(), mat.NewVecDense(len(x.Data), x.Data))
	floats.Add(out.Data, l.B.Data)
	return out, nil
}

func (l *Linear) Tag() string {
	if l.W == nil || len(l.W.Shape) != 2 {
		return "Linear"
	}
	inDim, outDim := l.Dims()
	return fmt.Sprintf("Linear_%d_%d", inDim, outDim)
}
