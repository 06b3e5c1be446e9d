package tensor

// DotProduct returns the dot product of a and b over their common length.
// The summation order depends on the host CPU, so results may differ in the
// last bits between machines.
func DotProduct(a, b []float32) float32 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}

	return dotF32(a[:n], b[:n])
}

// dotF32Generic computes the dot product with a single accumulator.
func dotF32Generic(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}

// dotF32Wide keeps eight independent accumulators so the loop body carries
// no dependency between lanes. len(a) must equal len(b).
func dotF32Wide(a, b []float32) float32 {
	var s0, s1, s2, s3, s4, s5, s6, s7 float32

	n8 := len(a) &^ 7
	for i := 0; i < n8; i += 8 {
		aa := a[i : i+8 : i+8]
		bb := b[i : i+8 : i+8]
		s0 += aa[0] * bb[0]
		s1 += aa[1] * bb[1]
		s2 += aa[2] * bb[2]
		s3 += aa[3] * bb[3]
		s4 += aa[4] * bb[4]
		s5 += aa[5] * bb[5]
		s6 += aa[6] * bb[6]
		s7 += aa[7] * bb[7]
	}

	sum := ((s0 + s1) + (s2 + s3)) + ((s4 + s5) + (s6 + s7))
	for i := n8; i < len(a); i++ {
		sum += a[i] * b[i]
	}

	return sum
}
