package main

import (
	"errors"
	"fmt"

	"github.com/example/go-phoneme2mel/internal/tts"
	"github.com/spf13/cobra"
)

func newWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Weight file utilities",
	}

	cmd.AddCommand(newWeightsInitCmd())

	return cmd
}

func newWeightsInitCmd() *cobra.Command {
	var out string
	var half bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a seeded random initialization of the configured model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if out == "" {
				return errors.New("--out is required")
			}

			// Always start from the random init, even when --weights is set.
			cfg.Paths.WeightsPath = ""

			svc, err := tts.NewService(cfg)
			if err != nil {
				return err
			}

			if err := svc.Model().SaveWeights(out, half); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors to %s (seed %d)\n",
				svc.Model().ParamCount(), out, cfg.Paths.Seed)

			return err
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Destination safetensors file")
	cmd.Flags().BoolVar(&half, "half", false, "Store the weights as F16")

	return cmd
}
