package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/example/go-phoneme2mel/internal/native"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
	"github.com/example/go-phoneme2mel/internal/safetensors"
	"github.com/example/go-phoneme2mel/internal/tts"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	var ids []string
	var out string
	var half bool

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Predict mel frames for phoneme id sequences",
		Example: `  phoneme2mel synth --ids 5,7,2,9 --ids 3,4 --out mel.safetensors
  phoneme2mel synth --weights model.safetensors --ids 12,40,7`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			seqs, err := parseSequences(ids)
			if err != nil {
				return err
			}

			svc, err := tts.NewService(cfg)
			if err != nil {
				return err
			}

			result, err := svc.Synthesize(cmd.Context(), seqs)
			if err != nil {
				return err
			}

			if out != "" {
				if err := writeOutput(out, result, half); err != nil {
					return err
				}
			}

			return printSummary(cmd.OutOrStdout(), result, out)
		},
	}

	cmd.Flags().StringArrayVar(&ids, "ids", nil, "Comma separated phoneme ids of one sequence (repeatable)")
	cmd.Flags().StringVar(&out, "out", "", "Write mel and prosody predictions to this safetensors file")
	cmd.Flags().BoolVar(&half, "half", false, "Store the output as F16")

	return cmd
}

// parseSequences turns "5,7,2,9" style flag values into id sequences.
func parseSequences(items []string) ([][]int64, error) {
	if len(items) == 0 {
		return nil, errors.New("at least one --ids sequence is required")
	}

	seqs := make([][]int64, 0, len(items))

	for i, item := range items {
		fields := strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' })
		if len(fields) == 0 {
			return nil, fmt.Errorf("sequence %d is empty", i)
		}

		seq := make([]int64, len(fields))

		for j, f := range fields {
			id, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("sequence %d: invalid id %q", i, f)
			}

			seq[j] = id
		}

		seqs = append(seqs, seq)
	}

	return seqs, nil
}

func writeOutput(path string, out *native.Output, half bool) error {
	lengths := make([]float32, len(out.FrameLengths))
	for i, n := range out.FrameLengths {
		lengths[i] = float32(n)
	}

	tensors := []safetensors.Tensor{
		fromTensor("mel", out.Mel),
		fromTensor("pitch", out.Pitch),
		fromTensor("energy", out.Energy),
		fromTensor("duration", out.Duration),
		{Name: "frame_lengths", Shape: []int64{int64(len(lengths))}, Data: lengths},
	}

	return safetensors.WriteFile(path, tensors, safetensors.WriteOptions{Half: half})
}

func fromTensor(name string, t *tensor.Tensor) safetensors.Tensor {
	return safetensors.Tensor{Name: name, Shape: t.Shape(), Data: t.RawData()}
}

func printSummary(w io.Writer, out *native.Output, path string) error {
	shape := out.Mel.Shape()

	_, err := fmt.Fprintf(w, "mel: %v frames=%v\n", shape, out.FrameLengths)
	if err != nil {
		return err
	}

	if path != "" {
		_, err = fmt.Fprintf(w, "wrote %s\n", path)
	}

	return err
}
