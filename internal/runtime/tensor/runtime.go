package tensor

import (
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
)

// workers controls goroutine parallelism for tensor math kernels such as
// Linear, LayerNorm and MatMul. Values <= 1 disable parallel execution.
var workers atomic.Int32

func init() {
	workers.Store(1)
}

// SetWorkers sets the maximum number of goroutines used by tensor kernels.
// n <= 1 disables kernel parallelism.
func SetWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	if n < 1 {
		n = 1
	}

	if n > maxInt32 {
		n = maxInt32
	}

	workers.Store(int32(n))
}

// Workers returns the configured kernel worker count (always >= 1).
func Workers() int {
	return getWorkers()
}

func getWorkers() int {
	n := int(workers.Load())
	if n < 1 {
		return 1
	}

	return n
}

// DefaultWorkers returns the number of physical cores reported by the CPU,
// falling back to logical cores and finally to 1.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}

	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}

	return 1
}

// CPUInfo describes the host CPU for diagnostics.
type CPUInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	FMA           bool
	WideDot       bool
}

// HostCPU reports the detected CPU and whether the wide dot kernel is active.
func HostCPU() CPUInfo {
	return CPUInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		FMA:           cpuid.CPU.Supports(cpuid.FMA3),
		WideDot:       wideDotEnabled(),
	}
}

// ParallelFor splits [0, n) into at most maxWorkers contiguous chunks and
// runs fn(lo, hi) on each, returning when all chunks are done. Every index is
// visited by exactly one chunk, so results written per index do not depend on
// the worker count.
func ParallelFor(n, maxWorkers int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	if maxWorkers <= 1 || n == 1 {
		fn(0, n)
		return
	}

	chunk := (n + min(maxWorkers, n) - 1) / min(maxWorkers, n)

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Go(func() { fn(lo, hi) })
	}

	wg.Wait()
}
