package tensor

import (
	"math"
	"slices"
)

func equalI64(a, b []int64) bool {
	return slices.Equal(a, b)
}

func equalF32(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if tol == 0 {
			if a[i] != b[i] {
				return false
			}

			continue
		}

		if math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}

	return true
}

func seqData(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i%13)-6) / 13
	}

	return out
}
