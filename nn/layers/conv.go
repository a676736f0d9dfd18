package layers

import (
	"fmt"

	"zonocert/tensor"
)

// Conv2D is a 2D convolution with zero padding and a square stride.
type Conv2D struct {
	W       *tensor.Tensor // weights: [outChan, inChan, kh, kw]
	B       *tensor.Tensor // bias: [outChan]
	Stride  int
	Padding int
}

// NewConv2D creates a zero Conv2D layer.
func NewConv2D(inChan, outChan, kh, kw, stride, padding int) *Conv2D {
	return &Conv2D{
		W:       tensor.New(outChan, inChan, kh, kw),
		B:       tensor.New(outChan),
		Stride:  stride,
		Padding: padding,
	}
}

func (c *Conv2D) Kind() Kind { return KindConv2D }

// Validate checks the kernel layout and hyper-parameters.
func (c *Conv2D) Validate() error {
	if c.W == nil || len(c.W.Shape) != 4 {
		return fmt.Errorf("Conv2D: weight must be [outChan, inChan, kh, kw]")
	}
	for _, d := range c.W.Shape {
		if d < 1 {
			return fmt.Errorf("%s: kernel dimensions must be positive, got %v", c.Tag(), c.W.Shape)
		}
	}
	if len(c.W.Data) != tensor.Numel(c.W.Shape) {
		return fmt.Errorf("%s: weight shape %v does not match %d values", c.Tag(), c.W.Shape, len(c.W.Data))
	}
	if c.B == nil || len(c.B.Data) != c.W.Shape[0] {
		return fmt.Errorf("%s: bias must have %d entries", c.Tag(), c.W.Shape[0])
	}
	if c.Stride < 1 {
		return fmt.Errorf("%s: stride must be positive, got %d", c.Tag(), c.Stride)
	}
	if c.Padding < 0 {
		return fmt.Errorf("%s: padding must be non-negative, got %d", c.Tag(), c.Padding)
	}
	return nil
}

// GetOutputShape returns the output dimensions for given input dimensions.
func (c *Conv2D) GetOutputShape(inH, inW int) (outH, outW int) {
	kh, kw := c.W.Shape[2], c.W.Shape[3]
	outH = (inH+2*c.Padding-kh)/c.Stride + 1
	outW = (inW+2*c.Padding-kw)/c.Stride + 1
	return outH, outW
}

func (c *Conv2D) OutputShape(in []int) ([]int, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ch, h, w, err := chw(c, in)
	if err != nil {
		return nil, err
	}
	outChan, inChan, kh, kw := c.W.Shape[0], c.W.Shape[1], c.W.Shape[2], c.W.Shape[3]
	if ch != inChan {
		return nil, shapeErr(c, in, "kernel expects %d input channels", inChan)
	}
	if h+2*c.Padding < kh || w+2*c.Padding < kw {
		return nil, shapeErr(c, in, "padded input smaller than %dx%d kernel", kh, kw)
	}
	outH, outW := c.GetOutputShape(h, w)
	return []int{outChan, outH, outW}, nil
}

// Apply convolves one [C,H,W] plane stored in in and writes the [OC,OH,OW]
// result to out. The bias is added only when withBias is set, so generator
// rows of a zonotope can share this kernel with the center.
func (c *Conv2D) Apply(in, out []float64, inH, inW int, withBias bool) {
	outChan, inChan, kh, kw := c.W.Shape[0], c.W.Shape[1], c.W.Shape[2], c.W.Shape[3]
	outH, outW := c.GetOutputShape(inH, inW)

	for oc := 0; oc < outChan; oc++ {
		for y := 0; y < outH; y++ {
			for x := 0; x < outW; x++ {
				sum := 0.0
				if withBias {
					sum = c.B.Data[oc]
				}
				for ic := 0; ic < inChan; ic++ {
					for dy := 0; dy < kh; dy++ {
						iy := y*c.Stride + dy - c.Padding
						if iy < 0 || iy >= inH {
							continue
						}
						for dx := 0; dx < kw; dx++ {
							ix := x*c.Stride + dx - c.Padding
							if ix < 0 || ix >= inW {
								continue
							}
							wIdx := ((oc*inChan+ic)*kh+dy)*kw + dx
							sum += in[(ic*inH+iy)*inW+ix] * c.W.Data[wIdx]
						}
					}
				}
				out[(oc*outH+y)*outW+x] = sum
			}
		}
	}
}

// Forward performs the plaintext convolution on a [C,H,W] tensor.
func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := forwardShape(c, x)
	if err != nil {
		return nil, err
	}
	c.Apply(x.Data, out.Data, x.Shape[1], x.Shape[2], true)
	return out, nil
}

func (c *Conv2D) Tag() string {
	if c.W == nil || len(c.W.Shape) != 4 {
		return "Conv2D"
	}
	return fmt.Sprintf("Conv2D_%d_%d_%d_%d", c.W.Shape[1], c.W.Shape[0], c.W.Shape[2], c.W.Shape[3])
}
