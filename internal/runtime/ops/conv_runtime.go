package ops

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// convWorkers controls the number of goroutines used by Conv1D and
// ConvTranspose1D. A value of 0 or 1 means sequential (default).
var convWorkers atomic.Int32

// SetConvWorkers sets the maximum number of goroutines used for parallel
// Conv1D / ConvTranspose1D execution. n <= 1 disables parallelism.
func SetConvWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	n = max(n, 0)
	n = min(n, maxInt32)

	convWorkers.Store(int32(n))
}

// ConvWorkers returns the configured convolution worker count.
func ConvWorkers() int { return int(convWorkers.Load()) }

// scratchPools holds reusable []float32 buffers for the im2col and kernel
// repack paths, in power-of-two size classes from 2^10 to 2^26 floats.
var scratchPools [17]sync.Pool

// getScratch returns a zeroed buffer of exactly n elements. Release it with
// putScratch.
func getScratch(n int) []float32 {
	cls := scratchClass(n)

	sz := 1 << (cls + 10)
	if sz < n {
		return make([]float32, n)
	}

	if v := scratchPools[cls].Get(); v != nil {
		if buf, ok := v.([]float32); ok && cap(buf) >= n {
			buf = buf[:n]
			clear(buf)

			return buf
		}
	}

	buf := make([]float32, sz)

	return buf[:n]
}

// putScratch returns a buffer obtained from getScratch. Buffers larger than
// the largest class are dropped.
func putScratch(buf []float32) {
	c := cap(buf)

	cls := scratchClass(c)
	if 1<<(cls+10) != c {
		return
	}

	scratchPools[cls].Put(buf[:c]) //nolint:staticcheck // pooled by value
}

// scratchClass returns the pool index for a buffer of n elements: the
// smallest power of two >= n, offset by 2^10 and capped at the last pool.
func scratchClass(n int) int {
	if n <= 1<<10 {
		return 0
	}

	return min(bits.Len(uint(n-1))-10, len(scratchPools)-1)
}
