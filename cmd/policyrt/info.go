package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"

	"github.com/cartridge/policyrt/internal/backend"
)

type hostInfo struct {
	CPU             string           `json:"cpu" yaml:"cpu"`
	Vendor          string           `json:"vendor" yaml:"vendor"`
	PhysicalCores   int              `json:"physical_cores" yaml:"physical_cores"`
	LogicalCores    int              `json:"logical_cores" yaml:"logical_cores"`
	GOARCH          string           `json:"goarch" yaml:"goarch"`
	CPUFeatures     []string         `json:"cpu_features" yaml:"cpu_features"`
	Detected        backend.Features `json:"detected" yaml:"detected"`
	Accelerated     bool             `json:"accelerated" yaml:"accelerated"`
	Configured      string           `json:"configured_backend" yaml:"configured_backend"`
	SelectedBackend string           `json:"selected_backend" yaml:"selected_backend"`
}

func collectHostInfo(configured string) (hostInfo, error) {
	b, err := backend.ByName(configured)
	if err != nil {
		return hostInfo{}, err
	}
	detected := backend.Detect()
	var features []string
	for _, f := range []cpuid.FeatureID{cpuid.SSE2, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	return hostInfo{
		CPU:             cpuid.CPU.BrandName,
		Vendor:          cpuid.CPU.VendorString,
		PhysicalCores:   cpuid.CPU.PhysicalCores,
		LogicalCores:    cpuid.CPU.LogicalCores,
		GOARCH:          runtime.GOARCH,
		CPUFeatures:     features,
		Detected:        detected,
		Accelerated:     detected.Accelerated(),
		Configured:      configured,
		SelectedBackend: b.Name(),
	}, nil
}

func newInfoCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Report host CPU features and the selected math backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := collectHostInfo(a.cfg.Runtime.Backend)
			if err != nil {
				return err
			}
			if strings.ToLower(format) != formatText {
				return writeStructured(cmd.OutOrStdout(), format, info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "cpu:       %s (%s)\n", info.CPU, info.Vendor)
			fmt.Fprintf(w, "cores:     %d physical, %d logical\n", info.PhysicalCores, info.LogicalCores)
			fmt.Fprintf(w, "arch:      %s\n", info.GOARCH)
			fmt.Fprintf(w, "features:  %s\n", strings.Join(info.CPUFeatures, " "))
			fmt.Fprintf(w, "backend:   %s (configured %q, accelerated host: %t)\n", info.SelectedBackend, info.Configured, info.Accelerated)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatText, "Output format (text, json, yaml)")
	return cmd
}
