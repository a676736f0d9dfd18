package main

import (
	"fmt"
	"io"
	"time"

	"zonocert/crosscheck"
	"zonocert/deepz"
	"zonocert/nn"
	"zonocert/utils"

	"github.com/spf13/cobra"
)

// evalRow is one query of an eval run. Empirical is "verified" when the
// attacker's perturbed input still gets the true label.
type evalRow struct {
	Index      int           `json:"index"`
	Label      int           `json:"label"`
	Predicted  int           `json:"predicted"`
	Empirical  string        `json:"empirical"`
	Verdict    deepz.Verdict `json:"verdict"`
	Generators int           `json:"generators"`
	Margin     *float64      `json:"margin,omitempty"`
	Violations *int          `json:"violations,omitempty"`
	Elapsed    time.Duration `json:"-"`
}

// evalOutput summarizes a whole queries file.
type evalOutput struct {
	Network   string    `json:"network"`
	Eps       float64   `json:"eps"`
	Rows      []evalRow `json:"queries"`
	Certified int       `json:"certified"`
	Marks     int       `json:"marks"`
}

type evalOptions struct {
	crosscheck bool
	strict     bool
}

func newEvalCommand(rootOpts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	evalOpts := &evalOptions{}

	cmd := &cobra.Command{
		Use:   "eval <network.json> <queries.json>",
		Short: "Certify every query of a file and compare with a sampling attack",
		Long: `Run the certifier on each query of a JSON array and, next to each verdict,
the label a sampling attacker could keep within the same eps-ball.

Marks: +1 when the attack and the certifier agree, -2 when the attack breaks
an input the certifier claims robust.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.resolve(cmd, rootOpts.config)
			if err != nil {
				return err
			}
			return runEval(cmd, rootOpts, evalOpts, cfg, args[0], args[1])
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&evalOpts.crosscheck, "crosscheck", false, "also sample the box and count values escaping the bounds")
	cmd.Flags().BoolVar(&evalOpts.strict, "strict", false, "exit 1 unless every query is certified")

	return cmd
}

func runEval(cmd *cobra.Command, opts *rootOptions, evalOpts *evalOptions, cfg *utils.Config, netPath, queriesPath string) error {
	stats := &utils.TimingStats{}
	start := time.Now()

	net, err := loadNetwork(netPath)
	if err != nil {
		return err
	}
	records, err := utils.LoadQueries(queriesPath)
	if err != nil {
		return wrapExitError(exitCommandError, "failed to load queries", err)
	}
	stats.LoadTime = time.Since(start)

	v, err := newVerifier(cfg, opts.logger)
	if err != nil {
		return wrapExitError(exitCommandError, "options", err)
	}
	attacker := &crosscheck.SamplingAttacker{Samples: cfg.Samples}

	out := evalOutput{Network: net.Name, Eps: cfg.Eps}
	for i, rec := range records {
		row, err := evalQuery(cmd, v, attacker, net, rec, cfg, evalOpts, stats)
		if err != nil {
			return wrapExitError(exitCommandError, fmt.Sprintf("query %d", i), err)
		}
		row.Index = i
		out.Rows = append(out.Rows, *row)
		if row.Verdict == deepz.Certified {
			out.Certified++
		}
		out.Marks += marks(row.Empirical == "verified", row.Verdict == deepz.Certified)
	}
	stats.Queries = len(records)
	stats.TotalTime = time.Since(start)

	p := &printer{format: opts.Format, w: cmd.OutOrStdout()}
	if err := p.emit(out, func(w io.Writer) { printEval(w, out) }); err != nil {
		return err
	}
	if opts.Verbose && opts.Format == "text" {
		utils.Verbose = true
		utils.Output = cmd.OutOrStdout()
		utils.PrintTimingStats(stats)
	}
	if evalOpts.strict && out.Certified < len(out.Rows) {
		return newExitError(exitFailure, fmt.Sprintf("%d of %d queries not certified", len(out.Rows)-out.Certified, len(out.Rows)))
	}
	return nil
}

func evalQuery(cmd *cobra.Command, v *deepz.Verifier, attacker crosscheck.Attacker, net *nn.Sequential, rec utils.QueryRecord, cfg *utils.Config, evalOpts *evalOptions, stats *utils.TimingStats) (*evalRow, error) {
	ctx := cmd.Context()
	img, err := queryImage(rec, net)
	if err != nil {
		return nil, err
	}
	row := &evalRow{Label: rec.Label}
	if row.Predicted, err = net.Predict(img); err != nil {
		return nil, err
	}

	t0 := time.Now()
	adv, err := attacker.Perturb(ctx, net, img, rec.Label, cfg.Eps)
	if err != nil {
		return nil, err
	}
	advPred, err := net.Predict(adv)
	if err != nil {
		return nil, err
	}
	row.Empirical = "not verified"
	if advPred == rec.Label {
		row.Empirical = "verified"
	}
	stats.AttackTime += time.Since(t0)

	t0 = time.Now()
	res, err := v.Verify(ctx, net.Layers, deepz.Query{Image: img, Eps: cfg.Eps, TrueLabel: rec.Label})
	if err != nil {
		return nil, err
	}
	row.Elapsed = time.Since(t0)
	stats.VerifyTime += row.Elapsed
	row.Verdict = res.Verdict
	row.Generators = res.Generators
	if m, ok := marginOf(res.Bounds, rec.Label); ok {
		row.Margin = &m
	}
	timings := make([]utils.LayerTiming, len(res.Layers))
	for j, tr := range res.Layers {
		timings[j] = utils.LayerTiming{Tag: tr.Tag, Generators: tr.Generators, Elapsed: tr.Elapsed}
	}
	stats.AddLayers(timings)

	if evalOpts.crosscheck && res.Verdict != deepz.ResourceExhausted {
		rep, err := crosscheck.CheckSoundness(ctx, v, net, img, cfg.Eps, cfg.Samples)
		if err != nil {
			return nil, err
		}
		n := len(rep.Violations)
		row.Violations = &n
	}
	return row, nil
}

// marks scores one query: agreement earns a point, certifying an input the
// attack breaks costs two.
func marks(empirical, certified bool) int {
	score := 0
	if empirical == certified {
		score++
	}
	if !empirical && certified {
		score -= 2
	}
	return score
}

func printEval(w io.Writer, out evalOutput) {
	fmt.Fprintf(w, "network: %s  eps: %g\n\n", out.Network, out.Eps)
	fmt.Fprintf(w, "%5s %5s %5s  %-13s %-19s %10s %10s\n", "query", "label", "pred", "empirical", "verdict", "generators", "elapsed")
	for _, r := range out.Rows {
		fmt.Fprintf(w, "%5d %5d %5d  %-13s %-19s %10d %10v", r.Index, r.Label, r.Predicted, r.Empirical, r.Verdict, r.Generators, r.Elapsed.Round(time.Microsecond))
		if r.Violations != nil {
			fmt.Fprintf(w, "  violations=%d", *r.Violations)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\ncertified %d/%d\n", out.Certified, len(out.Rows))
	fmt.Fprintf(w, "marks %d\n", out.Marks)
}
