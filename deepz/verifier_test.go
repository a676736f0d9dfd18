package deepz

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"zonocert/nn/layers"
	"zonocert/tensor"
	"zonocert/zonotope"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// scaleLayer multiplies every element by a constant under a custom kind.
type scaleLayer struct {
	kind layers.Kind
	c    float64
}

func (l *scaleLayer) Kind() layers.Kind                   { return l.kind }
func (l *scaleLayer) OutputShape(in []int) ([]int, error) { return in, nil }
func (l *scaleLayer) Tag() string                         { return string(l.kind) }
func (l *scaleLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	for i := range out.Data {
		out.Data[i] *= l.c
	}
	return out, nil
}

func scaleTransformer(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
	s := layer.(*scaleLayer)
	out := z.Clone()
	for j := range out.Center {
		out.Center[j] *= s.c
	}
	out.Generators.Scale(s.c, out.Generators)
	return out, nil
}

func query(eps float64, label int, pixels ...float64) Query {
	return Query{Image: tensor.NewWithData(pixels), Eps: eps, TrueLabel: label}
}

func TestVerifyIdentityNetwork(t *testing.T) {
	net := []layers.Layer{identity(2)}

	res, err := Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5))
	require.NoError(t, err)
	assert.Equal(t, NotCertified, res.Verdict)
	want := []zonotope.Interval{{Lower: 0.4, Upper: 0.6}, {Lower: 0.4, Upper: 0.6}}
	if diff := cmp.Diff(want, res.Bounds, approx); diff != "" {
		t.Errorf("bounds mismatch (-want +got):\n%s", diff)
	}

	// a point query ties both classes, and ties certify
	res, err = Verify(context.Background(), net, query(0, 0, 0.5, 0.5))
	require.NoError(t, err)
	assert.Equal(t, Certified, res.Verdict)
}

func TestVerifySeparatedClasses(t *testing.T) {
	net := []layers.Layer{identity(2)}
	res, err := Verify(context.Background(), net, query(0.05, 0, 0.9, 0.1))
	require.NoError(t, err)
	assert.Equal(t, Certified, res.Verdict)

	res, err = Verify(context.Background(), net, query(0.05, 1, 0.9, 0.1))
	require.NoError(t, err)
	assert.Equal(t, NotCertified, res.Verdict)
}

func TestVerifyConvNetworkTrace(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	net := convNet(r)
	img := randomImage(r, 1, 6, 6)

	res, err := NewVerifier(WithWorkers(3)).Verify(context.Background(), net.Layers, Query{Image: img, Eps: 0.02, TrueLabel: 1})
	require.NoError(t, err)
	require.NotEqual(t, ResourceExhausted, res.Verdict)
	require.Len(t, res.Layers, len(net.Layers))
	assert.Len(t, res.Bounds, 3)

	gens := 36
	for i, tr := range res.Layers {
		assert.Equal(t, i, tr.Index)
		assert.Equal(t, net.Layers[i].Kind(), tr.Kind)
		if tr.Kind != layers.KindReLU {
			assert.Zero(t, tr.Crossing, "layer %d", i)
		}
		assert.GreaterOrEqual(t, tr.Generators, gens, "generator count never shrinks")
		gens = tr.Generators
	}
	assert.Equal(t, gens, res.Generators)
	assert.Equal(t, []int{3}, res.Layers[len(res.Layers)-1].Shape)
}

// Every concrete execution from the input box must stay inside the bounds
// after every layer, not just at the output.
func TestPropagateIsSoundAtEveryLayer(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	v := NewVerifier(WithWorkers(4))
	for trial := 0; trial < 5; trial++ {
		net := convNet(r)
		img := randomImage(r, 1, 6, 6)
		eps := 0.01 + 0.1*r.Float64()
		z, err := zonotope.FromImage(img, eps)
		require.NoError(t, err)

		var bounds [][]zonotope.Interval
		_, err = v.Propagate(context.Background(), net.Layers, z, func(i int, _ layers.Layer, _, out *zonotope.Zonotope) error {
			bounds = append(bounds, out.Bounds())
			return nil
		})
		require.NoError(t, err)

		for draw := 0; draw < 50; draw++ {
			in, err := z.Eval(randomNoise(r, z.NumGenerators(), draw))
			require.NoError(t, err)
			x, err := tensor.FromData(in, 1, 6, 6)
			require.NoError(t, err)
			trace, err := net.Trace(x)
			require.NoError(t, err)
			for i, out := range trace {
				for j, val := range out.Data {
					if !contained(bounds[i][j], val) {
						t.Fatalf("trial %d layer %d (%s) neuron %d: %g outside %v",
							trial, i, net.Layers[i].Tag(), j, val, bounds[i][j])
					}
				}
			}
		}
	}
}

func TestSmallerEpsNestsBounds(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	epsilons := []float64{0, 0.005, 0.01, 0.03, 0.1, 0.3}
	for trial := 0; trial < 10; trial++ {
		lin := randomLinear(r, 4, 5)
		net := []layers.Layer{lin, layers.NewReLU()}
		img := randomImage(r, 4)
		y, err := lin.Forward(img)
		require.NoError(t, err)
		label := tensor.ArgMax(tensor.ReluPlain(y))

		var prev []zonotope.Interval
		prevCertified := true
		for _, eps := range epsilons {
			res, err := Verify(context.Background(), net, Query{Image: img, Eps: eps, TrueLabel: label})
			require.NoError(t, err)
			if eps == 0 {
				assert.Equal(t, Certified, res.Verdict, "point query at the predicted label")
			}
			if res.Verdict == Certified {
				assert.True(t, prevCertified, "trial %d: certified at eps %g but not below", trial, eps)
			}
			prevCertified = res.Verdict == Certified
			for j := range prev {
				assert.LessOrEqual(t, res.Bounds[j].Lower, prev[j].Lower+1e-12)
				assert.GreaterOrEqual(t, res.Bounds[j].Upper, prev[j].Upper-1e-12)
			}
			prev = res.Bounds
		}
	}
}

func TestVerifyRejectsInvalidQueries(t *testing.T) {
	net := []layers.Layer{identity(2)}
	cases := []struct {
		name string
		net  []layers.Layer
		q    Query
		code Code
	}{
		{"empty network", nil, query(0.1, 0, 0.5, 0.5), CodeInvalidInput},
		{"negative eps", net, query(-0.1, 0, 0.5, 0.5), CodeInvalidInput},
		{"nan eps", net, query(math.NaN(), 0, 0.5, 0.5), CodeInvalidInput},
		{"label too large", net, query(0.1, 2, 0.5, 0.5), CodeInvalidInput},
		{"negative label", net, query(0.1, -1, 0.5, 0.5), CodeInvalidInput},
		{"empty image", net, Query{Image: tensor.NewWithData(nil), Eps: 0.1}, CodeInvalidInput},
		{"nil layer", []layers.Layer{identity(2), nil}, query(0.1, 0, 0.5, 0.5), CodeInvalidInput},
		{"wrong width", []layers.Layer{layers.NewLinear(3, 2)}, query(0.1, 0, 0.5, 0.5), CodeShapeMismatch},
		{"unknown kind", []layers.Layer{&scaleLayer{kind: "maxpool", c: 1}}, query(0.1, 0, 0.5, 0.5), CodeUnsupportedLayer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Verify(context.Background(), tc.net, tc.q)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tc.code, CodeOf(err), "got %v", err)
			assert.True(t, errors.Is(err, tc.code))
		})
	}
}

func TestVerifyNamesOffendingLayer(t *testing.T) {
	net := []layers.Layer{identity(2), layers.NewReLU(), layers.NewLinear(3, 2)}
	_, err := Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5))

	var e *Error
	require.True(t, errors.As(err, &e), "got %v", err)
	assert.Equal(t, CodeShapeMismatch, e.Code)
	assert.Equal(t, 2, e.Layer)
	assert.Equal(t, layers.KindAffine, e.Kind)
	assert.Contains(t, err.Error(), "SHAPE_MISMATCH: layer 2 (affine)")
}

func TestVerifyRejectsWrongConcreteType(t *testing.T) {
	net := []layers.Layer{&scaleLayer{kind: layers.KindAffine, c: 2}}
	_, err := Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5))

	var e *Error
	require.True(t, errors.As(err, &e), "got %v", err)
	assert.Equal(t, CodeUnsupportedLayer, e.Code)
	assert.Equal(t, 0, e.Layer)
}

func TestVerifyRejectsInvalidOptions(t *testing.T) {
	net := []layers.Layer{identity(2)}
	for _, opt := range []Option{WithLambda(1.5), WithLambda(math.NaN()), WithMaxGenerators(-1), WithTimeout(-time.Second)} {
		_, err := Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5), opt)
		assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
	}
}

func TestVerifyRegisteredTransformer(t *testing.T) {
	v := NewVerifier()
	v.Register("scale", TransformerFunc(scaleTransformer))
	net := []layers.Layer{&scaleLayer{kind: "scale", c: 2}, identity(2)}

	res, err := v.Verify(context.Background(), net, query(0.1, 0, 0.9, 0.1))
	require.NoError(t, err)
	assert.Equal(t, Certified, res.Verdict)
	want := []zonotope.Interval{{Lower: 1.6, Upper: 2.0}, {Lower: 0, Upper: 0.4}}
	if diff := cmp.Diff(want, res.Bounds, approx); diff != "" {
		t.Errorf("bounds mismatch (-want +got):\n%s", diff)
	}
}

func TestVerifyInconsistentBoundsAreInternal(t *testing.T) {
	v := NewVerifier()
	v.Register("poison", TransformerFunc(func(ctx context.Context, ex *Exec, layer layers.Layer, z *zonotope.Zonotope) (*zonotope.Zonotope, error) {
		out := z.Clone()
		out.Center[0] = math.NaN()
		return out, nil
	}))
	net := []layers.Layer{&scaleLayer{kind: "poison"}, layers.NewReLU()}

	_, err := v.Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5))
	var e *Error
	require.True(t, errors.As(err, &e), "got %v", err)
	assert.Equal(t, CodeInternal, e.Code)
	assert.Equal(t, 1, e.Layer)
}

func TestVerifyGeneratorCap(t *testing.T) {
	// both neurons cross zero after the bias, so relu would need 4 generators
	net := []layers.Layer{linear([][]float64{{1, 0}, {0, 1}}, []float64{-0.5, -0.5}), layers.NewReLU()}

	res, err := Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5), WithMaxGenerators(3))
	require.NoError(t, err, "exhaustion is a verdict")
	assert.Equal(t, ResourceExhausted, res.Verdict)
	assert.NotEmpty(t, res.Reason)
	assert.Nil(t, res.Bounds)

	res, err = Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5), WithMaxGenerators(1))
	require.NoError(t, err)
	assert.Equal(t, ResourceExhausted, res.Verdict)
	assert.Empty(t, res.Layers, "the input box alone exceeds the cap")

	res, err = Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5), WithMaxGenerators(4))
	require.NoError(t, err)
	assert.NotEqual(t, ResourceExhausted, res.Verdict)
	assert.Equal(t, 4, res.Generators)
}

func TestVerifyDeadlineIsExhaustion(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	res, err := Verify(ctx, []layers.Layer{identity(2)}, query(0.1, 0, 0.5, 0.5))
	require.NoError(t, err)
	assert.Equal(t, ResourceExhausted, res.Verdict)
	assert.Equal(t, "deadline exceeded", res.Reason)
}

func TestVerifyCancelIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Verify(ctx, []layers.Layer{identity(2)}, query(0.1, 0, 0.5, 0.5))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Code(""), CodeOf(err))
}

func TestVerifierIsSafeForConcurrentUse(t *testing.T) {
	r := rand.New(rand.NewSource(13))
	net := convNet(r)
	img := randomImage(r, 1, 6, 6)
	v := NewVerifier(WithWorkers(2))
	q := Query{Image: img, Eps: 0.03, TrueLabel: 0}

	want, err := v.Verify(context.Background(), net.Layers, q)
	require.NoError(t, err)

	results := make([]*Result, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := v.Verify(context.Background(), net.Layers, q)
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res, "run %d", i)
		assert.Equal(t, want.Verdict, res.Verdict)
		if diff := cmp.Diff(want.Bounds, res.Bounds, approx); diff != "" {
			t.Errorf("run %d bounds differ (-want +got):\n%s", i, diff)
		}
	}
}

func TestVerifyLogsEveryLayer(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	net := []layers.Layer{identity(2), layers.NewReLU(), identity(2)}

	_, err := Verify(context.Background(), net, query(0.1, 0, 0.5, 0.5), WithLogger(zap.New(core)))
	require.NoError(t, err)

	assert.Equal(t, len(net), logs.FilterMessage("layer propagated").Len())
	finished := logs.FilterMessage("verification finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, "not_certified", finished[0].ContextMap()["verdict"])
}

func TestPreflightCountsClasses(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	net := convNet(r)
	n, err := NewVerifier().Preflight(net.Layers, Query{Image: randomImage(r, 1, 6, 6), Eps: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDecide(t *testing.T) {
	iv := func(l, u float64) zonotope.Interval { return zonotope.Interval{Lower: l, Upper: u} }
	cases := []struct {
		name   string
		bounds []zonotope.Interval
		label  int
		want   Verdict
		code   Code
	}{
		{"tie certifies", []zonotope.Interval{iv(0.5, 0.5), iv(0.5, 0.5)}, 0, Certified, ""},
		{"overlap", []zonotope.Interval{iv(0.4, 0.6), iv(0.4, 0.6)}, 1, NotCertified, ""},
		{"separated", []zonotope.Interval{iv(-1, 0), iv(0.2, 3), iv(0, 0.2)}, 1, Certified, ""},
		{"one other class above", []zonotope.Interval{iv(-1, 0), iv(0.2, 3), iv(0, 0.21)}, 1, NotCertified, ""},
		{"single class", []zonotope.Interval{iv(-5, 5)}, 0, Certified, ""},
		{"label out of range", []zonotope.Interval{iv(0, 1)}, 1, NotCertified, CodeInvalidInput},
		{"inverted interval", []zonotope.Interval{iv(1, 0), iv(0, 0)}, 0, NotCertified, CodeInternal},
		{"nan bound", []zonotope.Interval{iv(0, 1), iv(math.NaN(), 0)}, 0, NotCertified, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decide(tc.bounds, tc.label)
			assert.Equal(t, tc.code, CodeOf(err))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResultJSON(t *testing.T) {
	res := &Result{Verdict: ResourceExhausted, Generators: 7, Reason: "cap"}
	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":"resource_exhausted","generators":7,"layers":null,"reason":"cap","elapsed_ns":0}`, string(b))

	var back Result
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ResourceExhausted, back.Verdict)
	assert.Error(t, json.Unmarshal([]byte(`{"verdict":"maybe"}`), &back))

	assert.Equal(t, "certified", Certified.String())
	assert.Equal(t, "verdict(9)", Verdict(9).String())
}

func TestErrorFormatting(t *testing.T) {
	err := newError(CodeInternal, errors.New("boom"), "bad %s", "thing")
	assert.Equal(t, "INTERNAL: bad thing: boom", err.Error())
	assert.Equal(t, "boom", errors.Unwrap(err).Error())

	e := &Error{Code: CodeUnsupportedLayer, Layer: 3, Kind: "maxpool", Message: "no transformer registered"}
	assert.Equal(t, "UNSUPPORTED_LAYER: layer 3 (maxpool): no transformer registered", e.Error())
	assert.False(t, errors.Is(e, ErrInternal))
}
