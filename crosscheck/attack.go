package crosscheck

import (
	"context"

	"zonocert/nn"
	"zonocert/tensor"
)

// Attacker produces one concrete perturbed input inside the clipped eps-ball
// around image, ideally one the network misclassifies. It is the external
// adversarial generator used for empirical comparison only.
type Attacker interface {
	Perturb(ctx context.Context, net *nn.Sequential, image *tensor.Tensor, label int, eps float64) (*tensor.Tensor, error)
}

// SamplingAttacker tries Samples random points of the box and returns the
// first misclassified one, or the last point tried.
type SamplingAttacker struct {
	Samples int
}

func (a *SamplingAttacker) Perturb(ctx context.Context, net *nn.Sequential, image *tensor.Tensor, label int, eps float64) (*tensor.Tensor, error) {
	sampler := NewSampler(image, eps)
	last := image.Clone()
	for s := 0; s < a.Samples; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x := sampler.Draw(s)
		pred, err := net.Predict(x)
		if err != nil {
			return nil, err
		}
		if pred != label {
			return x, nil
		}
		last = x
	}
	return last, nil
}
