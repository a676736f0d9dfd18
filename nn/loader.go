package nn

import (
	"fmt"

	"zonocert/nn/layers"
	"zonocert/tensor"
	"zonocert/utils"
)

// FromFile loads a network saved with utils.SaveNetwork.
func FromFile(path string) (*Sequential, error) {
	nf, err := utils.LoadNetwork(path)
	if err != nil {
		return nil, err
	}
	return FromNetworkFile(nf)
}

// FromNetworkFile builds the layer list and checks that shapes chain from
// the declared input shape.
func FromNetworkFile(nf *utils.NetworkFile) (*Sequential, error) {
	seq := &Sequential{Name: nf.Name, InputShape: append([]int(nil), nf.InputShape...)}
	for i, rec := range nf.Layers {
		l, err := buildLayer(rec)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, rec.Kind, err)
		}
		seq.Layers = append(seq.Layers, l)
	}
	if len(seq.InputShape) > 0 {
		if _, err := seq.OutputShape(); err != nil {
			return nil, err
		}
	}
	return seq, nil
}

func buildLayer(rec utils.LayerRecord) (layers.Layer, error) {
	switch layers.Kind(rec.Kind) {
	case layers.KindAffine:
		w, b, err := weightAndBias(rec)
		if err != nil {
			return nil, err
		}
		l := &layers.Linear{W: w, B: b}
		return l, l.Validate()
	case layers.KindConv2D:
		w, b, err := weightAndBias(rec)
		if err != nil {
			return nil, err
		}
		stride := rec.Stride
		if stride == 0 {
			stride = 1
		}
		l := &layers.Conv2D{W: w, B: b, Stride: stride, Padding: rec.Padding}
		return l, l.Validate()
	case layers.KindReLU:
		return layers.NewReLU(), nil
	case layers.KindFlatten:
		return layers.NewFlatten(), nil
	case layers.KindNormalize:
		return layers.NewNormalize(rec.Mean, rec.Std), nil
	case layers.KindAvgPool2D:
		return layers.NewAvgPool2D(rec.Pool), nil
	default:
		return nil, fmt.Errorf("unknown layer kind %q", rec.Kind)
	}
}

func weightAndBias(rec utils.LayerRecord) (*tensor.Tensor, *tensor.Tensor, error) {
	w, err := utils.WeightDataToTensor(rec.Weight)
	if err != nil {
		return nil, nil, fmt.Errorf("weight: %w", err)
	}
	if len(w.Shape) == 0 {
		return nil, nil, fmt.Errorf("weight: missing shape")
	}
	if rec.Bias == nil {
		return w, tensor.New(w.Shape[0]), nil
	}
	b, err := utils.WeightDataToTensor(rec.Bias)
	if err != nil {
		return nil, nil, fmt.Errorf("bias: %w", err)
	}
	return w, b, nil
}

// ToNetworkFile is the inverse of FromNetworkFile.
func ToNetworkFile(s *Sequential) (*utils.NetworkFile, error) {
	nf := &utils.NetworkFile{
		Version:    utils.NetworkFormatVersion,
		Name:       s.Name,
		InputShape: append([]int(nil), s.InputShape...),
	}
	for i, l := range s.Layers {
		rec := utils.LayerRecord{Kind: string(l.Kind())}
		switch v := l.(type) {
		case *layers.Linear:
			rec.Weight = utils.TensorToWeightData(fmt.Sprintf("%d.weight", i), v.W)
			rec.Bias = utils.TensorToWeightData(fmt.Sprintf("%d.bias", i), v.B)
		case *layers.Conv2D:
			rec.Weight = utils.TensorToWeightData(fmt.Sprintf("%d.weight", i), v.W)
			rec.Bias = utils.TensorToWeightData(fmt.Sprintf("%d.bias", i), v.B)
			rec.Stride, rec.Padding = v.Stride, v.Padding
		case *layers.Normalize:
			rec.Mean, rec.Std = v.Mean, v.Std
		case *layers.AvgPool2D:
			rec.Pool = v.Pool
		case *layers.ReLU, *layers.Flatten:
		default:
			return nil, fmt.Errorf("layer %d: cannot serialize %T", i, l)
		}
		nf.Layers = append(nf.Layers, rec)
	}
	return nf, nil
}
