package layers

import (
	"fmt"

	"zonocert/tensor"
)

// AvgPool2D averages non-overlapping Pool×Pool windows of a [C,H,W] input.
type AvgPool2D struct {
	Pool int
}

func NewAvgPool2D(p int) *AvgPool2D { return &AvgPool2D{Pool: p} }

func (a *AvgPool2D) Kind() Kind { return KindAvgPool2D }

func (a *AvgPool2D) OutputShape(in []int) ([]int, error) {
	if a.Pool < 1 {
		return nil, fmt.Errorf("%s: pool size must be positive", a.Tag())
	}
	c, h, w, err := chw(a, in)
	if err != nil {
		return nil, err
	}
	if h < a.Pool || w < a.Pool {
		return nil, shapeErr(a, in, "input smaller than pool window %d", a.Pool)
	}
	return []int{c, h / a.Pool, w / a.Pool}, nil
}

// Apply pools one [C,H,W] plane into out. Trailing rows and columns that do
// not fill a window are dropped.
func (a *AvgPool2D) Apply(in, out []float64, C, H, W int) {
	p := a.Pool
	outH, outW := H/p, W/p
	inv := 1 / float64(p*p)
	for c := 0; c < C; c++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				sum := 0.0
				for ph := 0; ph < p; ph++ {
					for pw := 0; pw < p; pw++ {
						sum += in[(c*H+(oh*p+ph))*W+(ow*p+pw)]
					}
				}
				out[(c*outH+oh)*outW+ow] = sum * inv
			}
		}
	}
}

func (a *AvgPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := forwardShape(a, x)
	if err != nil {
		return nil, err
	}
	a.Apply(x.Data, out.Data, x.Shape[0], x.Shape[1], x.Shape[2])
	return out, nil
}

func (a *AvgPool2D) Tag() string { return fmt.Sprintf("AvgPool2D_%d", a.Pool) }
