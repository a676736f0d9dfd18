// Package crosscheck compares abstract bounds with concrete executions. It
// samples points of a perturbation box, runs the exact forward pass and
// reports any value that escapes the zonotope bounds. Nothing here takes part
// in a certification decision.
package crosscheck

import (
	"zonocert/tensor"
	"zonocert/zonotope"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler draws concrete points from the box [Lower, Upper].
type Sampler struct {
	Lower, Upper *tensor.Tensor
}

// NewSampler returns a sampler over the clipped eps-ball around image, the
// same box the verifier starts from.
func NewSampler(image *tensor.Tensor, eps float64) *Sampler {
	lb, ub := zonotope.PerturbationBox(image, eps)
	return &Sampler{Lower: lb, Upper: ub}
}

// Uniform draws a point uniformly from the box.
func (s *Sampler) Uniform() *tensor.Tensor {
	out := tensor.New(s.Lower.Shape...)
	for i := range out.Data {
		out.Data[i] = distuv.Uniform{Min: s.Lower.Data[i], Max: s.Upper.Data[i]}.Rand()
	}
	return out
}

// Vertex draws a random corner of the box. The extreme values of a linear
// layer over a box are reached at corners.
func (s *Sampler) Vertex() *tensor.Tensor {
	coin := distuv.Bernoulli{P: 0.5}
	out := tensor.New(s.Lower.Shape...)
	for i := range out.Data {
		if coin.Rand() == 1 {
			out.Data[i] = s.Upper.Data[i]
		} else {
			out.Data[i] = s.Lower.Data[i]
		}
	}
	return out
}

// Draw alternates vertices and uniform points; even i gives a vertex.
func (s *Sampler) Draw(i int) *tensor.Tensor {
	if i%2 == 0 {
		return s.Vertex()
	}
	return s.Uniform()
}

// Contains reports whether x lies in the box.
func (s *Sampler) Contains(x *tensor.Tensor) bool {
	if len(x.Data) != len(s.Lower.Data) {
		return false
	}
	for i, v := range x.Data {
		if v < s.Lower.Data[i] || v > s.Upper.Data[i] {
			return false
		}
	}
	return true
}
