package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cartridge/policyrt/internal/config"
)

// app carries the state shared by every subcommand once flags are parsed.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	d := config.Default()

	root := &cobra.Command{
		Use:   "policyrt",
		Short: "Inference runtime for small reinforcement-learning policies",
		Long: `policyrt hosts tabular, linear and tiny-network policies behind a
reset/step interface, hot-swaps their weights and checks every action
against a safety invariant.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.cfgFile != "" {
				a.v.SetConfigFile(a.cfgFile)
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			a.cfg = cfg
			a.logger = cfg.Logger()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Config file (yaml, toml or json)")

	// Logging
	flags.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	flags.String("log-format", d.LogFormat, "Log format (json, console)")

	// Runtime settings
	flags.Int("obs", d.Runtime.Shape.Obs, "Observation length")
	flags.Int("actions", d.Runtime.Shape.Action, "Action length")
	flags.String("backend", d.Runtime.Backend, "Vector math backend (auto, scalar, blas)")
	flags.Float32("epsilon", d.Runtime.Epsilon, "Tabular exploration rate")
	flags.Int64("seed", d.Runtime.Seed, "Exploration seed (0 for time-seeded)")
	flags.IntSlice("hidden-layers", nil, "Tiny network hidden layer sizes")
	flags.StringSlice("activations", nil, "Tiny network activations, one per layer transition")

	// Bind flags to viper for environment variable support
	bind(a.v, flags, map[string]string{
		"log_level":             "log-level",
		"log_format":            "log-format",
		"runtime.shape.obs":     "obs",
		"runtime.shape.action":  "actions",
		"runtime.backend":       "backend",
		"runtime.epsilon":       "epsilon",
		"runtime.seed":          "seed",
		"runtime.hidden_layers": "hidden-layers",
		"runtime.activations":   "activations",
	})

	root.AddCommand(
		newServeCmd(a),
		newInitWeightsCmd(a),
		newInspectCmd(a),
		newCheckCmd(a),
		newInfoCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
