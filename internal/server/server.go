// Package server exposes a phoneme2mel model over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/example/go-phoneme2mel/internal/config"
	"github.com/example/go-phoneme2mel/internal/native"
	"github.com/example/go-phoneme2mel/internal/phoneme"
	"github.com/example/go-phoneme2mel/internal/tts"
)

// Synthesizer runs a forward pass over a batch of phoneme id sequences.
type Synthesizer interface {
	Synthesize(ctx context.Context, seqs [][]int64) (*native.Output, error)
}

type options struct {
	maxPhonemes    int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	model          *ModelInfo
}

func defaultOptions() options {
	return options{
		maxPhonemes:    4096,
		workers:        2,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option tunes NewHandler.
type Option func(*options)

// WithMaxPhonemes caps the total number of ids accepted by POST /mel.
func WithMaxPhonemes(n int) Option {
	return func(o *options) { o.maxPhonemes = n }
}

// WithWorkers sets the maximum number of concurrent forward passes. Zero
// disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger routes request logs to l.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithModelInfo publishes info under GET /model.
func WithModelInfo(info ModelInfo) Option {
	return func(o *options) { o.model = &info }
}

// ModelInfo describes the served network.
type ModelInfo struct {
	Dims         []int64 `json:"dims"`
	VocabSize    int64   `json:"vocab_size"`
	NMelChannels int64   `json:"n_mel_channels"`
	PitchStats   string  `json:"pitch_stats,omitempty"`
	EnergyStats  string  `json:"energy_stats,omitempty"`
}

// DescribeModel collects the ModelInfo of m.
func DescribeModel(m *native.Phoneme2Mel) ModelInfo {
	cfg := m.Config()

	info := ModelInfo{
		Dims:         cfg.Encoder.Dims(),
		VocabSize:    cfg.Encoder.VocabSize,
		NMelChannels: cfg.NMelChannels,
	}

	if m.PitchDecoder().HasEmbedding() {
		info.PitchStats = cfg.PitchStats.String()
	}

	if m.EnergyDecoder().HasEmbedding() {
		info.EnergyStats = cfg.EnergyStats.String()
	}

	return info
}

// handler serves one Synthesizer.
type handler struct {
	synth Synthesizer
	opts  options
	sem   chan struct{} // semaphore for worker pool
	log   *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /model and
// POST /mel.
func NewHandler(synth Synthesizer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth: synth,
		opts:  opts,
		log:   opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/model", h.handleModel)
	mux.HandleFunc("/mel", h.handleMel)

	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleModel(w http.ResponseWriter, _ *http.Request) {
	if h.opts.model == nil {
		writeError(w, http.StatusNotFound, "model info unavailable")
		return
	}

	writeJSON(w, http.StatusOK, h.opts.model)
}

type melRequest struct {
	IDs [][]int64 `json:"ids"`
}

type melElement struct {
	Frames   int         `json:"frames"`
	Mel      [][]float32 `json:"mel"`
	Pitch    []float32   `json:"pitch"`
	Energy   []float32   `json:"energy"`
	Duration []float32   `json:"duration"`
}

type melResponse struct {
	Elements []melElement `json:"elements"`
}

func (h *handler) handleMel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var req melRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids field is required")
		return
	}

	total := 0
	for _, seq := range req.IDs {
		total += len(seq)
	}

	if total > h.opts.maxPhonemes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request has %d ids, maximum is %d", total, h.opts.maxPhonemes))
		return
	}

	// Acquire a worker slot, honouring cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	out, err := h.synth.Synthesize(ctx, req.IDs)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		h.log.WarnContext(r.Context(), "forward failed",
			slog.Int("batch", len(req.IDs)),
			slog.Int("ids", total),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())

		return
	}

	resp, err := buildResponse(out, req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "forward complete",
		slog.Int("batch", len(req.IDs)),
		slog.Int("ids", total),
		slog.Int64("duration_ms", durationMS),
		slog.Any("frames", out.FrameLengths),
	)

	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps forward errors onto HTTP statuses: caller mistakes are 400,
// oversized predictions 413, deadlines 504, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, native.ErrShapeMismatch), errors.Is(err, phoneme.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, native.ErrFrameLimit):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func buildResponse(out *native.Output, seqs [][]int64) (melResponse, error) {
	resp := melResponse{Elements: make([]melElement, len(seqs))}

	for b, seq := range seqs {
		mel, err := tts.ElementMel(out, b)
		if err != nil {
			return melResponse{}, err
		}

		resp.Elements[b] = melElement{
			Frames:   out.FrameLengths[b],
			Mel:      mel,
			Pitch:    elementSeries(out.Pitch.RawData(), out.Pitch.Dim(1), b, len(seq)),
			Energy:   elementSeries(out.Energy.RawData(), out.Energy.Dim(1), b, len(seq)),
			Duration: elementSeries(out.Duration.RawData(), out.Duration.Dim(1), b, len(seq)),
		}
	}

	return resp, nil
}

// elementSeries slices the first n values of element b from a [B, L, 1]
// buffer.
func elementSeries(data []float32, length int64, b, n int) []float32 {
	start := b * int(length)

	return append([]float32(nil), data[start:start+n]...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server runs the mel handler on the configured listen address.
type Server struct {
	cfg             config.Config
	tts             *tts.Service
	shutdownTimeout time.Duration
}

func New(cfg config.Config, svc *tts.Service) *Server {
	return &Server{
		cfg:             cfg,
		tts:             svc,
		shutdownTimeout: 30 * time.Second,
	}
}

// WithShutdownTimeout bounds how long Start waits for in-flight requests.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Handler builds the request handler, creating the service from the config
// when none was supplied.
func (s *Server) Handler() (http.Handler, error) {
	svc := s.tts
	if svc == nil {
		var err error

		svc, err = tts.NewService(s.cfg)
		if err != nil {
			return nil, fmt.Errorf("initialize service: %w", err)
		}

		s.tts = svc
	}

	return NewHandler(svc.WithFrameLimit(s.cfg.Server.MaxFrames),
		WithWorkers(s.cfg.Server.Workers),
		WithMaxPhonemes(s.cfg.Server.MaxPhonemes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
		WithModelInfo(DescribeModel(svc.Model())),
	), nil
}

func (s *Server) Start(ctx context.Context) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("listening", "addr", s.cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks the /health endpoint of a running server.
func ProbeHTTP(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	return nil
}

var _ Synthesizer = (*tts.Service)(nil)
