//go:build amd64

package tensor

import "golang.org/x/sys/cpu"

// useWideDot is initialised once at program start. On CPUs with AVX2 and FMA
// the multi-accumulator loop keeps the FP pipelines busy. The two loops sum in
// a different order, so outputs are bit-identical only between runs on the
// same host.
var useWideDot = cpu.X86.HasAVX2 && cpu.X86.HasFMA

// dotF32 returns the dot product of a and b.
// len(a) must equal len(b); the caller is responsible for this.
func dotF32(a, b []float32) float32 {
	if useWideDot && len(a) >= 8 {
		return dotF32Wide(a, b)
	}

	return dotF32Generic(a, b)
}

func wideDotEnabled() bool { return useWideDot }
