package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/go-phoneme2mel/internal/bench"
	"github.com/example/go-phoneme2mel/internal/tts"
	"github.com/spf13/cobra"
)

type benchOptions struct {
	Seqs       [][]int64
	Runs       int
	HopLength  int
	SampleRate int
}

func newBenchCmd() *cobra.Command {
	var (
		ids          []string
		runs         int
		format       string
		rtfThreshold float64
		hopLength    int
		sampleRate   int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark forward latency and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return errors.New("--runs must be at least 1")
			}

			if format != "table" && format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			seqs, err := parseSequences(ids)
			if err != nil {
				return err
			}

			svc, err := tts.NewService(cfg)
			if err != nil {
				return err
			}

			results, err := runBench(cmd.Context(), svc, benchOptions{
				Seqs:       seqs,
				Runs:       runs,
				HopLength:  hopLength,
				SampleRate: sampleRate,
			})
			if err != nil {
				return err
			}

			report := bench.NewReport(results)

			if format == "json" {
				err = report.WriteJSON(cmd.OutOrStdout())
			} else {
				err = report.WriteTable(cmd.OutOrStdout())
			}

			if err != nil {
				return err
			}

			return report.CheckRTF(rtfThreshold)
		},
	}

	cmd.Flags().StringArrayVar(&ids, "ids", nil, "Comma separated phoneme ids of one sequence (repeatable)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of forward passes")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")
	cmd.Flags().IntVar(&hopLength, "hop-length", 256, "Vocoder hop length used to convert frames to audio time")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 22050, "Vocoder sample rate used to convert frames to audio time")

	return cmd
}

func runBench(ctx context.Context, svc *tts.Service, opts benchOptions) ([]bench.Run, error) {
	phonemes := 0
	for _, seq := range opts.Seqs {
		phonemes += len(seq)
	}

	runs := make([]bench.Run, 0, opts.Runs)

	for i := range opts.Runs {
		start := time.Now()

		out, err := svc.Synthesize(ctx, opts.Seqs)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i+1, err)
		}

		elapsed := time.Since(start)

		frames := 0
		for _, n := range out.FrameLengths {
			frames += n
		}

		audio, err := bench.FrameDuration(frames, opts.HopLength, opts.SampleRate)
		if err != nil {
			return nil, err
		}

		runs = append(runs, bench.Run{
			Index:    i,
			Cold:     i == 0,
			Elapsed:  elapsed,
			Frames:   frames,
			Audio:    audio,
			Phonemes: phonemes,
		})
	}

	return runs, nil
}
