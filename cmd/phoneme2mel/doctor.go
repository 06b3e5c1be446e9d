package main

import (
	"errors"
	"fmt"

	"github.com/example/go-phoneme2mel/internal/doctor"
	"github.com/example/go-phoneme2mel/internal/native"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
	"github.com/example/go-phoneme2mel/internal/safetensors"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and weights checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			workers := cfg.Runtime.Workers
			if workers == 0 {
				workers = tensor.DefaultWorkers()
			}

			result := doctor.Run(doctor.Config{
				CPU:            tensor.HostCPU(),
				Workers:        workers,
				ValidateConfig: cfg.Validate,
				WeightsPath:    cfg.Paths.WeightsPath,
				CheckWeights: func(path string) (doctor.WeightsReport, error) {
					ncfg, err := cfg.NativeConfig()
					if err != nil {
						return doctor.WeightsReport{}, err
					}

					return checkWeights(path, cfg.Paths.StoreOptions(), ncfg)
				},
			}, cmd.OutOrStdout())

			if result.Failed() {
				return fmt.Errorf("doctor: %d check(s) failed", len(result.Failures()))
			}

			return nil
		},
	}
}

// checkWeights binds the file against the configured network without
// running it.
func checkWeights(path string, opts safetensors.StoreOptions, cfg native.Config) (doctor.WeightsReport, error) {
	vb, err := native.OpenVarBuilder(path, opts)
	if err != nil {
		return doctor.WeightsReport{}, err
	}

	model, err := native.NewPhoneme2Mel(vb, cfg)
	if err != nil {
		return doctor.WeightsReport{}, err
	}

	if !model.PitchDecoder().HasEmbedding() || !model.EnergyDecoder().HasEmbedding() {
		return doctor.WeightsReport{}, errors.New("pitch or energy stats missing from config and metadata")
	}

	return doctor.WeightsReport{Bound: model.ParamCount(), Unused: model.UnusedWeights()}, nil
}
