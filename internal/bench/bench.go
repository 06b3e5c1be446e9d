// Package bench times repeated forward passes and reports latency, realtime
// factor and frame throughput.
package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"
)

// Run is one timed forward pass. Audio is the playback time the predicted
// frames would cover once vocoded.
type Run struct {
	Index    int
	Cold     bool
	Elapsed  time.Duration
	Frames   int
	Audio    time.Duration
	Phonemes int
}

// RTF is elapsed / audio; zero when no audio was produced.
func (r Run) RTF() float64 {
	if r.Audio <= 0 {
		return 0
	}

	return float64(r.Elapsed) / float64(r.Audio)
}

// FramesPerSecond is the number of mel frames produced per second of compute.
func (r Run) FramesPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}

	return float64(r.Frames) / r.Elapsed.Seconds()
}

// Latency summarizes elapsed times.
type Latency struct {
	Min    time.Duration
	Median time.Duration
	Mean   time.Duration
	Max    time.Duration
}

// Summarize computes the latency spread. The median of an even count is the
// mean of the two middle values.
func Summarize(elapsed []time.Duration) Latency {
	if len(elapsed) == 0 {
		return Latency{}
	}

	sorted := slices.Sorted(slices.Values(elapsed))

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	n := len(sorted)
	median := sorted[n/2]

	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return Latency{
		Min:    sorted[0],
		Median: median,
		Mean:   sum / time.Duration(n),
		Max:    sorted[n-1],
	}
}

// Report is the aggregate of a bench session.
type Report struct {
	Runs    []Run
	Latency Latency
	MeanRTF float64
	// FramesPerSecond excludes the cold run when there is more than one run.
	FramesPerSecond float64
}

// NewReport aggregates runs.
func NewReport(runs []Run) Report {
	r := Report{Runs: runs}
	if len(runs) == 0 {
		return r
	}

	elapsed := make([]time.Duration, len(runs))
	for i, run := range runs {
		elapsed[i] = run.Elapsed
		r.MeanRTF += run.RTF()
	}

	r.Latency = Summarize(elapsed)
	r.MeanRTF /= float64(len(runs))

	warm := runs
	if len(runs) > 1 && runs[0].Cold {
		warm = runs[1:]
	}

	var frames int

	var total time.Duration

	for _, run := range warm {
		frames += run.Frames
		total += run.Elapsed
	}

	if total > 0 {
		r.FramesPerSecond = float64(frames) / total.Seconds()
	}

	return r
}

// CheckRTF fails when the mean RTF exceeds a positive threshold.
func (r Report) CheckRTF(threshold float64) error {
	if threshold > 0 && r.MeanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", r.MeanRTF, threshold)
	}

	return nil
}

// FrameDuration is the playback time covered by frames mel frames at the
// given hop length and sample rate.
func FrameDuration(frames, hopLength, sampleRate int) (time.Duration, error) {
	if hopLength <= 0 || sampleRate <= 0 {
		return 0, fmt.Errorf("hop length and sample rate must be > 0, got %d and %d", hopLength, sampleRate)
	}

	if frames < 0 {
		return 0, fmt.Errorf("frame count must be >= 0, got %d", frames)
	}

	samples := int64(frames) * int64(hopLength)

	return time.Duration(samples * int64(time.Second) / int64(sampleRate)), nil
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// WriteTable renders the report as an aligned text table.
func (r Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "run\tcold\tms\tphonemes\tframes\taudio ms\trtf\tframes/s\t")

	for _, run := range r.Runs {
		cold := ""
		if run.Cold {
			cold = "yes"
		}

		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%d\t%d\t%.1f\t%.3f\t%.0f\t\n",
			run.Index+1, cold, ms(run.Elapsed), run.Phonemes, run.Frames, ms(run.Audio), run.RTF(), run.FramesPerSecond())
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	l := r.Latency
	_, err := fmt.Fprintf(w, "%s\nlatency ms: min %.1f  median %.1f  mean %.1f  max %.1f\nmean rtf %.3f  frames/s %.0f\n",
		strings.Repeat("-", 56), ms(l.Min), ms(l.Median), ms(l.Mean), ms(l.Max), r.MeanRTF, r.FramesPerSecond)

	return err
}

type jsonRun struct {
	Index     int     `json:"index"`
	Cold      bool    `json:"cold"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Phonemes  int     `json:"phonemes"`
	Frames    int     `json:"frames"`
	AudioMS   float64 `json:"audio_ms"`
	RTF       float64 `json:"rtf"`
}

type jsonSummary struct {
	MinMS           float64 `json:"min_ms"`
	MedianMS        float64 `json:"median_ms"`
	MeanMS          float64 `json:"mean_ms"`
	MaxMS           float64 `json:"max_ms"`
	MeanRTF         float64 `json:"mean_rtf"`
	FramesPerSecond float64 `json:"frames_per_second"`
}

// WriteJSON renders the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	doc := struct {
		Runs    []jsonRun   `json:"runs"`
		Summary jsonSummary `json:"summary"`
	}{
		Runs: make([]jsonRun, len(r.Runs)),
		Summary: jsonSummary{
			MinMS:           ms(r.Latency.Min),
			MedianMS:        ms(r.Latency.Median),
			MeanMS:          ms(r.Latency.Mean),
			MaxMS:           ms(r.Latency.Max),
			MeanRTF:         r.MeanRTF,
			FramesPerSecond: r.FramesPerSecond,
		},
	}

	for i, run := range r.Runs {
		doc.Runs[i] = jsonRun{
			Index:     run.Index,
			Cold:      run.Cold,
			ElapsedMS: ms(run.Elapsed),
			Phonemes:  run.Phonemes,
			Frames:    run.Frames,
			AudioMS:   ms(run.Audio),
			RTF:       run.RTF(),
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(doc)
}
