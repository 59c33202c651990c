package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cartridge/policyrt/internal/env"
	"github.com/cartridge/policyrt/internal/policy"
)

func newInitWeightsCmd(a *app) *cobra.Command {
	var (
		algorithm string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "init-weights",
		Short: "Write a freshly initialised weight buffer",
		Long: `Writes the tagged weight buffer of a default-initialised policy for the
configured shape. The buffer can be loaded with POST /api/v1/envs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := policy.ParseAlgorithmName(algorithm)
			if err != nil {
				return err
			}
			opts, err := a.cfg.Runtime.PolicyOptions()
			if err != nil {
				return err
			}
			p, err := policy.NewDefault(a.cfg.Runtime.Shape, alg, opts...)
			if err != nil {
				return err
			}
			buf := append([]byte{byte(alg)}, p.SerializeWeights()...)

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(buf)
				return err
			}
			if err := os.WriteFile(output, buf, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			a.logger.Info().
				Str("algorithm", alg.String()).
				Str("path", output).
				Int("bytes", len(buf)).
				Msg("weights written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", policy.Linear.String(), "Algorithm (tabular, linear, tiny_network)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (stdout when empty or -)")
	return cmd
}

// inspection is what inspect reports about a weight buffer.
type inspection struct {
	File           string `json:"file" yaml:"file"`
	Bytes          int    `json:"bytes" yaml:"bytes"`
	Fingerprint    string `json:"fingerprint" yaml:"fingerprint"`
	policy.Summary `yaml:",inline"`
}

func inspectWeights(a *app, path string) (inspection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return inspection{}, err
	}
	popts, err := a.cfg.Runtime.PolicyOptions()
	if err != nil {
		return inspection{}, err
	}
	e, err := env.New(data,
		env.WithShape(a.cfg.Runtime.Shape),
		env.WithBounds(a.cfg.Runtime.Bounds()),
		env.WithPolicyOptions(popts...),
	)
	if err != nil {
		return inspection{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return inspection{
		File:        path,
		Bytes:       len(data),
		Fingerprint: e.State().Fingerprint.String(),
		Summary:     policy.Summarize(e.Policy()),
	}, nil
}

func newInspectCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Decode a weight buffer and describe it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := inspectWeights(a, args[0])
			if err != nil {
				return err
			}
			if strings.ToLower(format) == formatText {
				return writeInspection(cmd.OutOrStdout(), info)
			}
			return writeStructured(cmd.OutOrStdout(), format, info)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatText, "Output format (text, json, yaml)")
	return cmd
}

func writeInspection(w io.Writer, info inspection) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "file:\t%s\n", info.File)
	fmt.Fprintf(tw, "bytes:\t%d\n", info.Bytes)
	fmt.Fprintf(tw, "algorithm:\t%s (%s)\n", info.Algorithm, info.Name)
	fmt.Fprintf(tw, "shape:\t%d -> %d\n", info.Shape.Obs, info.Shape.Action)
	fmt.Fprintf(tw, "parameters:\t%d\n", info.Parameters)
	if info.States > 0 {
		fmt.Fprintf(tw, "q-table:\t%d x %d\n", info.States, info.Actions)
	}
	if info.Alpha != nil {
		fmt.Fprintf(tw, "alpha:\t%g\n", *info.Alpha)
	}
	if info.Gamma != nil {
		fmt.Fprintf(tw, "gamma:\t%g\n", *info.Gamma)
	}
	if info.Epsilon != nil {
		fmt.Fprintf(tw, "epsilon:\t%g\n", *info.Epsilon)
	}
	if len(info.Layers) > 0 {
		fmt.Fprintf(tw, "layers:\t%v\n", info.Layers)
		fmt.Fprintf(tw, "activations:\t%s\n", strings.Join(info.Activations, ", "))
	}
	fmt.Fprintf(tw, "fingerprint:\t%s\n", info.Fingerprint)
	return tw.Flush()
}
