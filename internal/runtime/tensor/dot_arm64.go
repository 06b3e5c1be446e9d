//go:build arm64

package tensor

import "golang.org/x/sys/cpu"

// useWideDot is true on every AArch64 CPU with ASIMD (NEON). Outputs are
// bit-identical only between runs on the same host, since the wide loop sums
// in a different order than the generic one.
var useWideDot = cpu.ARM64.HasASIMD

func dotF32(a, b []float32) float32 {
	if useWideDot && len(a) >= 8 {
		return dotF32Wide(a, b)
	}

	return dotF32Generic(a, b)
}

func wideDotEnabled() bool { return useWideDot }
