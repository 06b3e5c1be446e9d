// Package doctor provides environment preflight checks for phoneme2mel.
package doctor

import (
	"fmt"
	"io"
	"os"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// WeightsReport summarizes a weights file that bound cleanly.
type WeightsReport struct {
	Bound  int
	Unused []string
}

// Config holds injectable dependencies for each doctor check.
type Config struct {
	CPU tensor.CPUInfo
	// Workers is the kernel worker count that will be applied.
	Workers int
	// ValidateConfig reports whether the loaded settings describe a
	// buildable model.
	ValidateConfig func() error
	// WeightsPath is empty when the model runs from the seeded random init.
	WeightsPath string
	// CheckWeights binds the weights file against the configured model.
	CheckWeights func(path string) (WeightsReport, error)
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- host -------------------------------------------------------------
	fmt.Fprintf(w, "%s cpu: %s (%d physical / %d logical cores)\n",
		PassMark, cpuBrand(cfg.CPU), cfg.CPU.PhysicalCores, cfg.CPU.LogicalCores)
	fmt.Fprintf(w, "%s simd: avx2=%t fma=%t wide-dot=%t\n", PassMark, cfg.CPU.AVX2, cfg.CPU.FMA, cfg.CPU.WideDot)

	if cfg.Workers < 1 {
		res.fail(fmt.Sprintf("workers: %d", cfg.Workers))
		fmt.Fprintf(w, "%s workers: %d (must be >= 1)\n", FailMark, cfg.Workers)
	} else {
		fmt.Fprintf(w, "%s workers: %d\n", PassMark, cfg.Workers)
	}

	// ---- configuration ----------------------------------------------------
	if cfg.ValidateConfig != nil {
		if err := cfg.ValidateConfig(); err != nil {
			res.fail(fmt.Sprintf("config: %v", err))
			fmt.Fprintf(w, "%s config: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s config: valid\n", PassMark)
		}
	}

	// ---- weights ----------------------------------------------------------
	if cfg.WeightsPath == "" {
		fmt.Fprintf(w, "%s weights: skipped (random init)\n", PassMark)
		return res
	}

	if _, err := os.Stat(cfg.WeightsPath); err != nil {
		res.fail(fmt.Sprintf("weights %q: %v", cfg.WeightsPath, err))
		fmt.Fprintf(w, "%s weights %s: not found\n", FailMark, cfg.WeightsPath)

		return res
	}

	if cfg.CheckWeights == nil {
		fmt.Fprintf(w, "%s weights: %s\n", PassMark, cfg.WeightsPath)
		return res
	}

	report, err := cfg.CheckWeights(cfg.WeightsPath)
	if err != nil {
		res.fail(fmt.Sprintf("weights %q: %v", cfg.WeightsPath, err))
		fmt.Fprintf(w, "%s weights %s: %v\n", FailMark, cfg.WeightsPath, err)

		return res
	}

	fmt.Fprintf(w, "%s weights: %s (%d tensors bound)\n", PassMark, cfg.WeightsPath, report.Bound)

	// Unused tensors are reported but do not fail the check.
	if n := len(report.Unused); n > 0 {
		fmt.Fprintf(w, "%s weights: %d unused tensors (first %s)\n", PassMark, n, report.Unused[0])
	}

	return res
}

func cpuBrand(c tensor.CPUInfo) string {
	if c.Brand == "" {
		return "unknown"
	}

	return c.Brand
}
