// Package zonotope implements the affine abstract domain used to track how a
// box of inputs moves through a network: a center plus a weighted sum of
// independent noise symbols, each ranging over [-1, 1].
package zonotope

import (
	"errors"
	"fmt"
	"math"

	"zonocert/tensor"

	"gonum.org/v1/gonum/mat"
)

// Zonotope is center + Σ ε_i·G[i,:] with ε ∈ [-1,1]^k.
//
// Generators has one row per noise symbol and one column per neuron. The row
// count starts at the number of input pixels and only grows.
type Zonotope struct {
	Center     []float64
	Generators *mat.Dense
	Shape      []int
}

// Interval is the concrete range [Lower, Upper] of one neuron.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Width returns Upper - Lower.
func (iv Interval) Width() float64 { return iv.Upper - iv.Lower }

// Contains reports whether v lies in the interval, allowing tol of slack.
func (iv Interval) Contains(v, tol float64) bool {
	return v >= iv.Lower-tol && v <= iv.Upper+tol
}

func (iv Interval) String() string { return fmt.Sprintf("[%g, %g]", iv.Lower, iv.Upper) }

// New wraps center and generators after checking that they agree. The
// arguments are not copied.
func New(center []float64, gens *mat.Dense, shape []int) (*Zonotope, error) {
	if len(center) == 0 {
		return nil, errors.New("zonotope: empty center")
	}
	if gens == nil {
		return nil, errors.New("zonotope: nil generators")
	}
	if _, c := gens.Dims(); c != len(center) {
		return nil, fmt.Errorf("zonotope: generators have %d columns, center has %d neurons", c, len(center))
	}
	if shape == nil {
		shape = []int{len(center)}
	}
	if tensor.Numel(shape) != len(center) {
		return nil, fmt.Errorf("zonotope: shape %v does not hold %d neurons", shape, len(center))
	}
	return &Zonotope{Center: center, Generators: gens, Shape: append([]int(nil), shape...)}, nil
}

// Neurons returns the number of abstract neurons.
func (z *Zonotope) Neurons() int { return len(z.Center) }

// NumGenerators returns the number of noise symbols.
func (z *Zonotope) NumGenerators() int {
	r, _ := z.Generators.Dims()
	return r
}

// Clone returns a deep copy.
func (z *Zonotope) Clone() *Zonotope {
	return &Zonotope{
		Center:     append([]float64(nil), z.Center...),
		Generators: mat.DenseCopyOf(z.Generators),
		Shape:      append([]int(nil), z.Shape...),
	}
}

// Radius returns Σ_i |G[i,j]| for every neuron j.
func (z *Zonotope) Radius() []float64 {
	rad := make([]float64, len(z.Center))
	z.RadiusRange(rad, 0, len(rad))
	return rad
}

// RadiusRange writes Σ_i |G[i,j]| into rad[j] for lo <= j < hi. Disjoint
// ranges may be filled concurrently.
func (z *Zonotope) RadiusRange(rad []float64, lo, hi int) {
	k, _ := z.Generators.Dims()
	for j := lo; j < hi; j++ {
		rad[j] = 0
	}
	for i := 0; i < k; i++ {
		row := z.Generators.RawRowView(i)[lo:hi]
		for j, g := range row {
			rad[lo+j] += math.Abs(g)
		}
	}
}

// IntervalsFrom pairs a center with a radius into concrete intervals.
func IntervalsFrom(center, rad []float64) []Interval {
	out := make([]Interval, len(center))
	for j, c := range center {
		out[j] = Interval{Lower: c - rad[j], Upper: c + rad[j]}
	}
	return out
}

// Bounds returns the concrete interval center ± radius of every neuron,
// summing over all generators including the ones added by ReLU relaxations.
func (z *Zonotope) Bounds() []Interval {
	return IntervalsFrom(z.Center, z.Radius())
}

// Eval returns the concrete point center + Σ eps[i]·G[i,:].
func (z *Zonotope) Eval(eps []float64) ([]float64, error) {
	k, _ := z.Generators.Dims()
	if len(eps) != k {
		return nil, fmt.Errorf("zonotope: need %d noise values, got %d", k, len(eps))
	}
	out := mat.NewVecDense(len(z.Center), nil)
	out.MulVec(z.Generators.T(), mat.NewVecDense(k, append([]float64(nil), eps...)))
	for j, c := range z.Center {
		out.SetVec(j, out.AtVec(j)+c)
	}
	return out.RawVector().Data, nil
}
