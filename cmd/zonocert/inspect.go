package main

import (
	"fmt"
	"io"

	"zonocert/nn"
	"zonocert/nn/layers"
	"zonocert/tensor"

	"github.com/spf13/cobra"
)

type layerRow struct {
	Index  int         `json:"index"`
	Kind   layers.Kind `json:"kind"`
	Tag    string      `json:"tag"`
	Shape  []int       `json:"output_shape"`
	Params int         `json:"params"`
}

type inspectOutput struct {
	Network    string     `json:"network"`
	InputShape []int      `json:"input_shape"`
	Layers     []layerRow `json:"layers"`
	Classes    int        `json:"classes"`
	Generators int        `json:"input_generators"`
	Params     int        `json:"params"`
}

func newInspectCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "inspect <network.json>",
		Short:         "Print the layer table of a network file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := loadNetwork(args[0])
			if err != nil {
				return err
			}
			out, err := inspect(net)
			if err != nil {
				return wrapExitError(exitCommandError, "shape inference", err)
			}
			p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			return p.emit(out, func(w io.Writer) { printInspect(w, out) })
		},
	}
}

func inspect(net *nn.Sequential) (*inspectOutput, error) {
	if len(net.InputShape) == 0 {
		return nil, fmt.Errorf("network %q declares no input shape", net.Name)
	}
	out := &inspectOutput{
		Network:    net.Name,
		InputShape: net.InputShape,
		Generators: tensor.Numel(net.InputShape),
	}
	shape := net.InputShape
	for i, l := range net.Layers {
		next, err := l.OutputShape(shape)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, l.Tag(), err)
		}
		shape = next
		row := layerRow{Index: i, Kind: l.Kind(), Tag: l.Tag(), Shape: shape, Params: params(l)}
		out.Params += row.Params
		out.Layers = append(out.Layers, row)
	}
	out.Classes = tensor.Numel(shape)
	return out, nil
}

func params(l layers.Layer) int {
	switch l := l.(type) {
	case *layers.Linear:
		return len(l.W.Data) + len(l.B.Data)
	case *layers.Conv2D:
		return len(l.W.Data) + len(l.B.Data)
	case *layers.Normalize:
		return len(l.Mean) + len(l.Std)
	}
	return 0
}

func printInspect(w io.Writer, out *inspectOutput) {
	fmt.Fprintf(w, "network: %s\n", out.Network)
	fmt.Fprintf(w, "input:   %v (%d generators)\n\n", out.InputShape, out.Generators)
	fmt.Fprintf(w, "%3s  %-10s %-24s %-14s %8s\n", "#", "kind", "tag", "output", "params")
	for _, r := range out.Layers {
		fmt.Fprintf(w, "%3d  %-10s %-24s %-14v %8d\n", r.Index, r.Kind, r.Tag, r.Shape, r.Params)
	}
	fmt.Fprintf(w, "\nclasses: %d  params: %d\n", out.Classes, out.Params)
}
