package crosscheck

import (
	"context"
	"math/rand"
	"testing"

	"zonocert/deepz"
	"zonocert/nn"
	"zonocert/nn/layers"
	"zonocert/tensor"
	"zonocert/zonotope"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func randomize(r *rand.Rand, ts ...*tensor.Tensor) {
	for _, t := range ts {
		for i := range t.Data {
			t.Data[i] = 2*r.Float64() - 1
		}
	}
}

func smallNet(r *rand.Rand) *nn.Sequential {
	conv := layers.NewConv2D(1, 2, 2, 2, 1, 0)
	l1 := layers.NewLinear(18, 6)
	l2 := layers.NewLinear(6, 3)
	randomize(r, conv.W, conv.B, l1.W, l1.B, l2.W, l2.B)
	return &nn.Sequential{
		InputShape: []int{1, 4, 4},
		Layers: []layers.Layer{
			conv, layers.NewReLU(), layers.NewFlatten(),
			l1, layers.NewReLU(), l2,
		},
	}
}

func identityNet() *nn.Sequential {
	lin := layers.NewLinear(2, 2)
	lin.W.Data[0], lin.W.Data[3] = 1, 1
	return &nn.Sequential{InputShape: []int{2}, Layers: []layers.Layer{lin}}
}

func TestSamplerStaysInClippedBox(t *testing.T) {
	img := tensor.NewWithData([]float64{0, 0.5, 0.98})
	s := NewSampler(img, 0.05)
	assert.Equal(t, 0.0, s.Lower.Data[0])
	assert.Equal(t, 1.0, s.Upper.Data[2])

	for i := 0; i < 100; i++ {
		x := s.Draw(i)
		require.True(t, s.Contains(x), "draw %d: %v", i, x.Data)
	}
	v := s.Vertex()
	for i, x := range v.Data {
		assert.True(t, x == s.Lower.Data[i] || x == s.Upper.Data[i], "coordinate %d = %g is not a corner", i, x)
	}
	assert.False(t, s.Contains(tensor.NewWithData([]float64{0, 0.5})))
	assert.False(t, s.Contains(tensor.NewWithData([]float64{0, 0.5, 0.5})), "0.5 is below the third pixel's box")
}

func TestCheckSoundness(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	v := deepz.NewVerifier(deepz.WithWorkers(2))
	for trial := 0; trial < 4; trial++ {
		net := smallNet(r)
		img := tensor.New(1, 4, 4)
		for i := range img.Data {
			img.Data[i] = r.Float64()
		}
		rep, err := CheckSoundness(context.Background(), v, net, img, 0.08, 60)
		require.NoError(t, err)
		assert.Len(t, rep.LayerBounds, len(net.Layers))
		assert.True(t, rep.Sound(), "violations: %v", rep.Violations)
	}
}

func TestCheckSoundnessHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CheckSoundness(ctx, deepz.NewVerifier(), identityNet(), tensor.NewWithData([]float64{0.5, 0.5}), 0.1, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompareReportsEscapes(t *testing.T) {
	bounds := []zonotope.Interval{{Lower: 0, Upper: 1}, {Lower: 0, Upper: 1}, {Lower: -1, Upper: 0}}
	got := Compare(4, []float64{0.5, 1.5, 1e-12}, bounds, DefaultTolerance)
	require.Len(t, got, 1)
	assert.Equal(t, Violation{Layer: 4, Neuron: 1, Value: 1.5, Interval: bounds[1]}, got[0])
	assert.Equal(t, "layer 4 neuron 1: 1.5 outside [0, 1]", got[0].String())
}

func TestSamplingAttacker(t *testing.T) {
	net := identityNet()
	img := tensor.NewWithData([]float64{0.5, 0.5})
	box := NewSampler(img, 0.1)

	// exactly on the decision boundary: some sample flips the label
	a := &SamplingAttacker{Samples: 200}
	x, err := a.Perturb(context.Background(), net, img, 0, 0.1)
	require.NoError(t, err)
	assert.True(t, box.Contains(x))
	pred, err := net.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, 1, pred)

	// no budget returns the clean image
	x, err = (&SamplingAttacker{}).Perturb(context.Background(), net, img, 0, 0.1)
	require.NoError(t, err)
	assert.Equal(t, img.Data, x.Data)
	assert.NotSame(t, img, x)
}

func TestSamplingAttackerOnRobustInput(t *testing.T) {
	net := identityNet()
	img := tensor.NewWithData([]float64{0.9, 0.1})
	x, err := (&SamplingAttacker{Samples: 20}).Perturb(context.Background(), net, img, 0, 0.05)
	require.NoError(t, err)
	pred, err := net.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, 0, pred)

	res, err := deepz.Verify(context.Background(), net.Layers, deepz.Query{Image: img, Eps: 0.05, TrueLabel: 0})
	require.NoError(t, err)
	assert.Equal(t, deepz.Certified, res.Verdict)
}
