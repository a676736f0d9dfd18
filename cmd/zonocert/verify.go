package main

import (
	"fmt"
	"io"

	"zonocert/deepz"
	"zonocert/utils"
	"zonocert/zonotope"

	"github.com/spf13/cobra"
)

// verifyOutput is the JSON shape of one verification.
type verifyOutput struct {
	Network string        `json:"network"`
	Label   int           `json:"label"`
	Eps     float64       `json:"eps"`
	Lambda  float64       `json:"lambda"`
	Result  *deepz.Result `json:"result"`
}

func newVerifyCommand(rootOpts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	var label int
	var strict bool

	cmd := &cobra.Command{
		Use:   "verify <network.json> <query.json>",
		Short: "Certify one input against one network",
		Long: `Certify that every input within eps (L∞, clipped to [0,1]) of the query
image is classified as the query label.

The query file holds {"image": [...], "shape": [...], "label": n}; a flat
image takes the network's input shape.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.resolve(cmd, rootOpts.config)
			if err != nil {
				return err
			}
			return runVerify(cmd, rootOpts, cfg, args[0], args[1], label, strict)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&label, "label", -1, "true label, overrides the query file")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit 1 unless certified")

	return cmd
}

func runVerify(cmd *cobra.Command, opts *rootOptions, cfg *utils.Config, netPath, queryPath string, label int, strict bool) error {
	net, err := loadNetwork(netPath)
	if err != nil {
		return err
	}
	rec, err := utils.LoadQuery(queryPath)
	if err != nil {
		return wrapExitError(exitCommandError, "failed to load query", err)
	}
	if label >= 0 {
		rec.Label = label
	}
	img, err := queryImage(*rec, net)
	if err != nil {
		return wrapExitError(exitCommandError, "bad query image", err)
	}

	v, err := newVerifier(cfg, opts.logger)
	if err != nil {
		return wrapExitError(exitCommandError, "options", err)
	}
	res, err := v.Verify(cmd.Context(), net.Layers, deepz.Query{Image: img, Eps: cfg.Eps, TrueLabel: rec.Label})
	if err != nil {
		return wrapExitError(exitCommandError, "verification failed", err)
	}

	out := verifyOutput{Network: net.Name, Label: rec.Label, Eps: cfg.Eps, Lambda: cfg.Lambda, Result: res}
	p := &printer{format: opts.Format, w: cmd.OutOrStdout()}
	if err := p.emit(out, func(w io.Writer) { printVerify(w, out) }); err != nil {
		return err
	}
	if strict && res.Verdict != deepz.Certified {
		return newExitError(exitFailure, fmt.Sprintf("label %d is %s at eps %g", rec.Label, res.Verdict, cfg.Eps))
	}
	return nil
}

func printVerify(w io.Writer, out verifyOutput) {
	res := out.Result
	fmt.Fprintf(w, "network:    %s\n", out.Network)
	fmt.Fprintf(w, "label:      %d\n", out.Label)
	fmt.Fprintf(w, "eps:        %g\n", out.Eps)
	fmt.Fprintf(w, "verdict:    %s\n", res.Verdict)
	if res.Reason != "" {
		fmt.Fprintf(w, "reason:     %s\n", res.Reason)
	}
	fmt.Fprintf(w, "generators: %d\n", res.Generators)
	fmt.Fprintf(w, "elapsed:    %v\n", res.Elapsed)
	if m, ok := marginOf(res.Bounds, out.Label); ok {
		fmt.Fprintf(w, "margin:     %g\n", m)
	}
	for i, b := range res.Bounds {
		mark := ""
		if i == out.Label {
			mark = "  <- true label"
		}
		fmt.Fprintf(w, "  class %2d %v%s\n", i, b, mark)
	}
}

// marginOf is lower(t) minus the largest upper bound of any other class; a
// non-negative margin certifies.
func marginOf(bounds []zonotope.Interval, label int) (float64, bool) {
	if label < 0 || label >= len(bounds) || len(bounds) < 2 {
		return 0, false
	}
	worst := 0.0
	first := true
	for i, b := range bounds {
		if i == label {
			continue
		}
		if first || b.Upper > worst {
			worst, first = b.Upper, false
		}
	}
	return bounds[label].Lower - worst, true
}
