package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/tutorspeech/internal/audio"
	"github.com/loqalabs/tutorspeech/internal/llm"
	"github.com/loqalabs/tutorspeech/internal/protocol"
	"github.com/loqalabs/tutorspeech/internal/tts"
	"github.com/loqalabs/tutorspeech/internal/tutor"
)

const (
	HeaderTTFB       = "X-TTFB-Ms"
	HeaderTotal      = "X-Total-Ms"
	HeaderLLM        = "X-LLM-Ms"
	HeaderAIResponse = "X-AI-Response"
	HeaderCache      = "X-Cache"
	HeaderRequestID  = "X-Request-Id"

	defaultMaxBody = 64 << 10
)

var sampleRateMessage = fmt.Sprintf("sampleRate must be between %d and %d", audio.MinSampleRate, audio.MaxSampleRate)

// EventSink receives a summary of every finished request.
type EventSink interface {
	Record(ctx context.Context, evt protocol.SynthesisEvent) error
}

// Asker answers a learner question with text and speech.
type Asker interface {
	Ask(ctx context.Context, q tutor.Question) (tutor.Answer, error)
}

// RequestLister exposes the request journal.
type RequestLister interface {
	ListRecent(ctx context.Context, limit int) ([]protocol.SynthesisEvent, error)
}

// Cache stores finished /api/tts results.
type Cache interface {
	Get(req tts.SynthRequest) (tts.Result, bool)
	Put(req tts.SynthRequest, res tts.Result)
}

type Options struct {
	Synth          tts.Synthesizer
	Tutor          Asker
	Cache          Cache
	Journal        RequestLister
	Sinks          []EventSink
	MaxBodyBytes   int64
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler serves the speech endpoints used by the course UI.
type Handler struct {
	synth   tts.Synthesizer
	tutor   Asker
	cache   Cache
	journal RequestLister
	sinks   []EventSink
	maxBody int64
	origins []string
	metrics *metrics
	logger  *slog.Logger
}

func New(opts Options) (*Handler, error) {
	if opts.Synth == nil {
		return nil, errors.New("api: synthesizer required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("api metrics: %w", err)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Handler{
		synth:   opts.Synth,
		tutor:   opts.Tutor,
		cache:   opts.Cache,
		journal: opts.Journal,
		sinks:   opts.Sinks,
		maxBody: maxBody,
		origins: opts.AllowedOrigins,
		metrics: m,
		logger:  logger.With(slog.String("component", "api")),
	}, nil
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tts", h.handleTTS)
	mux.HandleFunc("POST /api/ask", h.handleAsk)
	mux.HandleFunc("GET /api/requests", h.handleRequests)
}

// Routes returns the API behind the CORS middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return WithCORS(h.origins, mux)
}

type speakRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Model      string `json:"model,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type askRequest struct {
	Question   string `json:"question"`
	Text       string `json:"text,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Model      string `json:"model,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

func (h *Handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	var body speakRequest
	if err := h.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(body.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if body.SampleRate != 0 && !audio.ValidSampleRate(body.SampleRate) {
		writeError(w, http.StatusBadRequest, sampleRateMessage)
		return
	}

	req := tts.SynthRequest{Text: text, Voice: body.Voice, Model: body.Model, SampleRate: body.SampleRate}
	evt := protocol.SynthesisEvent{
		RequestID:  uuid.NewString(),
		Kind:       protocol.KindSpeak,
		Voice:      req.Voice,
		Model:      req.Model,
		SampleRate: req.SampleRate,
		Chars:      len(text),
	}
	w.Header().Set(HeaderRequestID, evt.RequestID)

	if res, ok := h.cached(req); ok {
		evt.Cached = true
		w.Header().Set(HeaderCache, "HIT")
		h.finish(r.Context(), &evt, res)
		writeAudio(w, res)
		return
	}

	res, err := h.synth.Synthesize(r.Context(), req)
	if err != nil {
		h.fail(w, r, &evt, err, http.StatusInternalServerError)
		return
	}
	if h.cache != nil {
		h.cache.Put(req, res)
	}
	h.finish(r.Context(), &evt, res)
	writeAudio(w, res)
}

func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	if h.tutor == nil {
		writeError(w, http.StatusServiceUnavailable, "ask is disabled (set llm.enabled)")
		return
	}
	var body askRequest
	if err := h.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	question := strings.TrimSpace(body.Question)
	if question == "" {
		question = strings.TrimSpace(body.Text)
	}
	if question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if body.SampleRate != 0 && !audio.ValidSampleRate(body.SampleRate) {
		writeError(w, http.StatusBadRequest, sampleRateMessage)
		return
	}

	evt := protocol.SynthesisEvent{
		RequestID:  uuid.NewString(),
		Kind:       protocol.KindAsk,
		Voice:      body.Voice,
		Model:      body.Model,
		SampleRate: body.SampleRate,
	}
	w.Header().Set(HeaderRequestID, evt.RequestID)

	ans, err := h.tutor.Ask(r.Context(), tutor.Question{
		RequestID:  evt.RequestID,
		Prompt:     question,
		Voice:      body.Voice,
		Model:      body.Model,
		SampleRate: body.SampleRate,
	})
	evt.LLMMS = ans.LLMDuration.Milliseconds()
	evt.Chars = len(ans.Text)
	h.metrics.recordLLM(r.Context(), ans.LLMDuration)
	if err != nil {
		h.fail(w, r, &evt, err, http.StatusBadGateway)
		return
	}

	h.finish(r.Context(), &evt, ans.Speech)
	w.Header().Set(HeaderLLM, strconv.FormatInt(evt.LLMMS, 10))
	w.Header().Set(HeaderAIResponse, encodeHeaderText(ans.Text))
	writeAudio(w, ans.Speech)
}

func (h *Handler) handleRequests(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, http.StatusOK, []protocol.SynthesisEvent{})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := h.journal.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list requests failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "request journal unavailable")
		return
	}
	if events == nil {
		events = []protocol.SynthesisEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) cached(req tts.SynthRequest) (tts.Result, bool) {
	if h.cache == nil {
		return tts.Result{}, false
	}
	return h.cache.Get(req)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// finish fills in the result and publishes the event.
func (h *Handler) finish(ctx context.Context, evt *protocol.SynthesisEvent, res tts.Result) {
	evt.Outcome = protocol.OutcomeOK
	evt.Voice = res.Voice
	evt.Model = res.Model
	evt.SampleRate = res.SampleRate
	evt.Chunks = res.Stats.Chunks
	evt.AudioBytes = len(res.Audio)
	evt.TTFBMS = res.Stats.TimeToFirstChunk.Milliseconds()
	evt.TotalMS = res.Stats.Total.Milliseconds()
	if !evt.Cached {
		h.metrics.recordSynthesis(ctx, res.Stats)
	}
	h.publish(ctx, *evt)
}

// fail maps err to a response. Aborted requests get no response at all.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, evt *protocol.SynthesisEvent, err error, fallback int) {
	if errors.Is(err, tts.ErrAborted) {
		evt.Outcome = protocol.OutcomeAborted
		h.logger.Debug("request aborted", slog.String("request_id", evt.RequestID), slog.String("kind", evt.Kind))
		h.publish(r.Context(), *evt)
		return
	}

	status := statusFor(err, fallback)
	evt.Outcome = protocol.OutcomeError
	evt.Error = err.Error()
	h.logger.Error("request failed",
		slog.String("request_id", evt.RequestID),
		slog.String("kind", evt.Kind),
		slog.Int("status", status),
		slogError(err))
	h.publish(r.Context(), *evt)
	writeError(w, status, err.Error())
}

func (h *Handler) publish(ctx context.Context, evt protocol.SynthesisEvent) {
	evt.Timestamp = time.Now().UTC()
	h.metrics.countRequest(ctx, evt.Kind, evt.Outcome)
	ctx = context.WithoutCancel(ctx)
	for _, sink := range h.sinks {
		if err := sink.Record(ctx, evt); err != nil {
			h.logger.Warn("failed to record request event", slog.String("request_id", evt.RequestID), slogError(err))
		}
	}
}

func statusFor(err error, fallback int) int {
	var te *tts.TransportError
	switch {
	case errors.Is(err, tts.ErrMissingAPIKey), errors.Is(err, llm.ErrMissingAPIKey):
		return http.StatusInternalServerError
	case errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return fallback
	}
}

func writeAudio(w http.ResponseWriter, res tts.Result) {
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.Header().Set(HeaderTTFB, strconv.FormatInt(res.Stats.TimeToFirstChunk.Milliseconds(), 10))
	w.Header().Set(HeaderTotal, strconv.FormatInt(res.Stats.Total.Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// encodeHeaderText percent-encodes s for a header value, spaces as %20.
func encodeHeaderText(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
