package utils

import (
	"encoding/json"
	"fmt"
	"os"

	"zonocert/tensor"
)

// NetworkFormatVersion is written by SaveNetwork.
const NetworkFormatVersion = "1.0"

// WeightData represents serializable weight data for a layer
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// LayerRecord is one entry of the ordered layer list. Kind selects which of
// the optional fields are meaningful.
type LayerRecord struct {
	Kind    string      `json:"kind"`
	Weight  *WeightData `json:"weight,omitempty"`
	Bias    *WeightData `json:"bias,omitempty"`
	Stride  int         `json:"stride,omitempty"`
	Padding int         `json:"padding,omitempty"`
	Mean    []float64   `json:"mean,omitempty"`
	Std     []float64   `json:"std,omitempty"`
	Pool    int         `json:"pool,omitempty"`
}

// NetworkFile is the on-disk form of a trained network.
type NetworkFile struct {
	Version    string        `json:"version"`
	Name       string        `json:"name"`
	InputShape []int         `json:"input_shape"`
	Layers     []LayerRecord `json:"layers"`
}

// SaveNetwork saves a network to a JSON file
func SaveNetwork(filepath string, net *NetworkFile) error {
	if net.Version == "" {
		net.Version = NetworkFormatVersion
	}
	data, err := json.MarshalIndent(net, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal network: %w", err)
	}
	return os.WriteFile(filepath, data, 0644)
}

// LoadNetwork loads a network from a JSON file
func LoadNetwork(filepath string) (*NetworkFile, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read network file: %w", err)
	}
	var net NetworkFile
	if err := json.Unmarshal(data, &net); err != nil {
		return nil, fmt.Errorf("failed to unmarshal network: %w", err)
	}
	if len(net.Layers) == 0 {
		return nil, fmt.Errorf("network file %s has no layers", filepath)
	}
	return &net, nil
}

// TensorToWeightData converts a tensor to serializable weight data
func TensorToWeightData(name string, t *tensor.Tensor) *WeightData {
	return &WeightData{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64{}, t.Data...), // copy
	}
}

// WeightDataToTensor converts weight data back to a tensor
func WeightDataToTensor(wd *WeightData) (*tensor.Tensor, error) {
	if wd == nil {
		return nil, fmt.Errorf("missing weight data")
	}
	t, err := tensor.FromData(wd.Data, wd.Shape...)
	if err != nil {
		return nil, fmt.Errorf("weight %q: %w", wd.Name, err)
	}
	return t, nil
}

// QueryRecord is one clean input with its label.
type QueryRecord struct {
	Image []float64 `json:"image"`
	Shape []int     `json:"shape,omitempty"`
	Label int       `json:"label"`
}

// Tensor returns the image shaped by Shape, or flat when Shape is empty.
func (q QueryRecord) Tensor() (*tensor.Tensor, error) {
	if len(q.Shape) == 0 {
		return tensor.NewWithData(q.Image), nil
	}
	return tensor.FromData(q.Image, q.Shape...)
}

// LoadQueries reads a JSON array of QueryRecord.
func LoadQueries(filepath string) ([]QueryRecord, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries file: %w", err)
	}
	var qs []QueryRecord
	if err := json.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queries: %w", err)
	}
	return qs, nil
}

// LoadQuery reads a single QueryRecord.
func LoadQuery(filepath string) (*QueryRecord, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read query file: %w", err)
	}
	var q QueryRecord
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query: %w", err)
	}
	return &q, nil
}
