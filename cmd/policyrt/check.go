package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/vec"
)

func newCheckCmd(a *app) *cobra.Command {
	var obs, action []float32
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run an observation/action pair through the safety invariant",
		Example: `  policyrt check --observation 0.1,0.2,0.3,0.4 --action 0.5,-0.5
  policyrt check --observation NaN,0,0,0 --action 0,0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			shape := a.cfg.Runtime.Shape
			o, err := vec.ObservationFromSlice(shape.Obs, obs)
			if err != nil {
				return err
			}
			act, err := vec.ActionFromSlice(shape.Action, action)
			if err != nil {
				return err
			}
			if err := a.cfg.Runtime.Bounds().Check(o, act); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "violation (code %d): %v\n", errs.Code(err), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (code %d)\n", errs.CodeOK)
			return nil
		},
	}
	cmd.Flags().Float32SliceVar(&obs, "observation", nil, "Observation values, comma separated")
	cmd.Flags().Float32SliceVar(&action, "action", nil, "Action values, comma separated")
	return cmd
}
