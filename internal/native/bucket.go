package native

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// ValueStats is the dataset-wide (min, max) range of a prosody value.
type ValueStats struct {
	Min float32
	Max float32
}

func (s ValueStats) Validate() error {
	if math.IsNaN(float64(s.Min)) || math.IsNaN(float64(s.Max)) || math.IsInf(float64(s.Min), 0) || math.IsInf(float64(s.Max), 0) {
		return fmt.Errorf("native: value stats must be finite, got [%v, %v]", s.Min, s.Max)
	}

	if s.Min >= s.Max {
		return fmt.Errorf("native: value stats min %v must be below max %v", s.Min, s.Max)
	}

	return nil
}

// String formats s as "min,max", the form ParseValueStats reads.
func (s ValueStats) String() string {
	return strconv.FormatFloat(float64(s.Min), 'g', -1, 32) + "," + strconv.FormatFloat(float64(s.Max), 'g', -1, 32)
}

// ParseValueStats parses "min,max". Blank input means no stats and returns
// nil.
func ParseValueStats(raw string) (*ValueStats, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("native: value stats %q are not \"min,max\"", raw)
	}

	var vals [2]float32

	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("native: value stats %q: %w", raw, err)
		}

		vals[i] = float32(v)
	}

	s := &ValueStats{Min: vals[0], Max: vals[1]}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// BucketEmbedding discretizes a scalar into one of Bins() bins and looks up a
// learned vector per bin. Boundaries are fixed at construction.
type BucketEmbedding struct {
	boundaries []float32
	table      *Embedding
}

func loadBucketEmbedding(vb *VarBuilder, name string, stats ValueStats, bins int64) (*BucketEmbedding, error) {
	if err := stats.Validate(); err != nil {
		return nil, err
	}

	if bins < 1 {
		return nil, fmt.Errorf("native: bucket embedding needs >= 1 bin, got %d", bins)
	}

	table, err := loadEmbedding(vb, name, bins, bins, -1)
	if err != nil {
		return nil, err
	}

	return &BucketEmbedding{boundaries: linspace(stats.Min, stats.Max, int(bins-1)), table: table}, nil
}

// linspace returns n evenly spaced values from lo to hi inclusive.
func linspace(lo, hi float32, n int) []float32 {
	out := make([]float32, n)

	switch n {
	case 0:
	case 1:
		out[0] = lo
	default:
		step := (float64(hi) - float64(lo)) / float64(n-1)
		for i := range out {
			out[i] = float32(float64(lo) + step*float64(i))
		}

		out[n-1] = hi
	}

	return out
}

func (e *BucketEmbedding) Bins() int { return len(e.boundaries) + 1 }

// Boundaries returns a copy of the ascending bin boundaries.
func (e *BucketEmbedding) Boundaries() []float32 {
	return append([]float32(nil), e.boundaries...)
}

// Bin returns the number of boundaries <= v. NaN maps to bin 0.
func (e *BucketEmbedding) Bin(v float32) int64 {
	if math.IsNaN(float64(v)) {
		return 0
	}

	return int64(sort.Search(len(e.boundaries), func(i int) bool { return e.boundaries[i] > v }))
}

// Forward embeds values ([batch*length], row-major) into [batch, length, bins].
func (e *BucketEmbedding) Forward(values []float32, batch, length int64) (*tensor.Tensor, error) {
	ids := make([]int64, len(values))
	for i, v := range values {
		ids[i] = e.Bin(v)
	}

	return e.table.Forward(ids, batch, length)
}
