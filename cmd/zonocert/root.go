package main

import (
	"fmt"
	"time"

	"zonocert/deepz"
	"zonocert/nn"
	"zonocert/tensor"
	"zonocert/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootOptions holds global flags and the state built from them.
type rootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	config *utils.Config
	logger *zap.Logger
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "zonocert",
		Short: "Certify L∞ robustness of ReLU networks with zonotopes",
		Long: `Propagates the eps-ball around an input through a network with the DeepZ
zonotope transformers and reports whether the true label provably wins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return newExitError(exitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
			}
			cfg := utils.DefaultConfig()
			if opts.ConfigPath != "" {
				var err error
				if cfg, err = utils.LoadConfig(opts.ConfigPath); err != nil {
					return wrapExitError(exitCommandError, "config", err)
				}
			}
			opts.config = cfg
			logger, err := utils.NewLogger(opts.Verbose)
			if err != nil {
				return wrapExitError(exitCommandError, "logger", err)
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging and timing report")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML run configuration")

	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newEvalCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// runFlags are the verification knobs shared by verify and eval; a flag set
// on the command line wins over the config file.
type runFlags struct {
	eps           float64
	lambda        float64
	maxGenerators int
	timeout       time.Duration
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.eps, "eps", 0, "L∞ radius (default from config)")
	cmd.Flags().Float64Var(&f.lambda, "lambda", 0, "ReLU relaxation slope (default from config)")
	cmd.Flags().IntVar(&f.maxGenerators, "max-generators", 0, "generator cap, 0 for none (default from config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-query deadline (default from config)")
}

// resolve merges the flags into a copy of the config.
func (f *runFlags) resolve(cmd *cobra.Command, base *utils.Config) (*utils.Config, error) {
	cfg := *base
	if cmd.Flags().Changed("eps") {
		cfg.Eps = f.eps
	}
	if cmd.Flags().Changed("lambda") {
		cfg.Lambda = f.lambda
	}
	if cmd.Flags().Changed("max-generators") {
		cfg.MaxGenerators = f.maxGenerators
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = f.timeout.String()
	}
	if err := utils.ValidateConfig(&cfg); err != nil {
		return nil, newExitError(exitCommandError, err.Error())
	}
	return &cfg, nil
}

func newVerifier(cfg *utils.Config, logger *zap.Logger) (*deepz.Verifier, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	return deepz.NewVerifier(
		deepz.WithLambda(cfg.Lambda),
		deepz.WithMaxGenerators(cfg.MaxGenerators),
		deepz.WithWorkers(cfg.Workers),
		deepz.WithTimeout(timeout),
		deepz.WithLogger(logger),
	), nil
}

func loadNetwork(path string) (*nn.Sequential, error) {
	net, err := nn.FromFile(path)
	if err != nil {
		return nil, wrapExitError(exitCommandError, "failed to load network", err)
	}
	return net, nil
}

// queryImage shapes a record's pixels, falling back to the network's input
// shape when the record is flat.
func queryImage(rec utils.QueryRecord, net *nn.Sequential) (*tensor.Tensor, error) {
	if len(rec.Shape) == 0 && len(net.InputShape) > 0 && tensor.Numel(net.InputShape) == len(rec.Image) {
		rec.Shape = net.InputShape
	}
	return rec.Tensor()
}
