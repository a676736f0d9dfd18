package zonotope

import (
	"errors"
	"fmt"
	"math"

	"zonocert/tensor"

	"gonum.org/v1/gonum/mat"
)

// PerturbationBox returns the L∞ ball of radius eps around image clipped to
// the pixel domain [0, 1].
func PerturbationBox(image *tensor.Tensor, eps float64) (lb, ub *tensor.Tensor) {
	lb = tensor.Clamp(tensor.Shift(image, -eps), 0, 1)
	ub = tensor.Clamp(tensor.Shift(image, eps), 0, 1)
	return lb, ub
}

// FromImage builds the initial zonotope of the clipped eps-ball around image.
func FromImage(image *tensor.Tensor, eps float64) (*Zonotope, error) {
	if image == nil || len(image.Data) == 0 {
		return nil, errors.New("zonotope: empty image")
	}
	if eps < 0 || math.IsNaN(eps) || math.IsInf(eps, 0) {
		return nil, fmt.Errorf("zonotope: eps must be finite and non-negative, got %g", eps)
	}
	lb, ub := PerturbationBox(image, eps)
	return FromBox(lb, ub)
}

// FromBox turns the box [lb, ub] into an exact zonotope with one generator
// per element: generator i carries (ub_i-lb_i)/2 on neuron i only.
func FromBox(lb, ub *tensor.Tensor) (*Zonotope, error) {
	n := len(lb.Data)
	if n == 0 {
		return nil, errors.New("zonotope: empty box")
	}
	if len(ub.Data) != n {
		return nil, fmt.Errorf("zonotope: box bounds have %d and %d elements", n, len(ub.Data))
	}

	center := make([]float64, n)
	diag := make([]float64, n*n)
	for i := 0; i < n; i++ {
		if !(lb.Data[i] <= ub.Data[i]) {
			return nil, fmt.Errorf("zonotope: lower bound %g above upper bound %g at %d", lb.Data[i], ub.Data[i], i)
		}
		center[i] = (lb.Data[i] + ub.Data[i]) / 2
		diag[i*n+i] = (ub.Data[i] - lb.Data[i]) / 2
	}
	return New(center, mat.NewDense(n, n, diag), lb.Shape)
}
