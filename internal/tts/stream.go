package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/tutorspeech/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const readBufferSize = 32 << 10

// StreamConfig describes the vendor streaming endpoint.
type StreamConfig struct {
	Endpoint   string
	APIKey     string
	Voice      string
	Model      string
	SampleRate int
}

// StreamClient calls the vendor's NDJSON streaming endpoint and assembles the
// LINEAR16 chunks it returns into one WAV file.
type StreamClient struct {
	cfg    StreamConfig
	http   *http.Client
	clock  func() time.Time
	logger *slog.Logger
}

type streamRequest struct {
	Text        string            `json:"text"`
	VoiceID     string            `json:"voiceId"`
	ModelID     string            `json:"modelId"`
	AudioConfig streamAudioConfig `json:"audio_config"`
}

type streamAudioConfig struct {
	AudioEncoding   string `json:"audio_encoding"`
	SampleRateHertz int    `json:"sample_rate_hertz"`
}

func NewStreamClient(cfg StreamConfig, httpClient *http.Client, logger *slog.Logger) *StreamClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamClient{
		cfg:    cfg,
		http:   httpClient,
		clock:  time.Now,
		logger: logger.With(slog.String("component", "tts-stream")),
	}
}

func (c *StreamClient) Synthesize(ctx context.Context, req SynthRequest) (Result, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return Result{}, ErrMissingAPIKey
	}
	req = withDefaults(req, c.cfg.Voice, c.cfg.Model, c.cfg.SampleRate)
	if err := checkSampleRate(req.SampleRate); err != nil {
		return Result{}, err
	}

	ctx, span := otel.Tracer("github.com/loqalabs/tutorspeech/tts").Start(ctx, "tts.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("tts.voice", req.Voice),
		attribute.String("tts.model", req.Model),
		attribute.Int("tts.sample_rate", req.SampleRate),
		attribute.Int("tts.text_chars", len(req.Text)),
	)

	start := c.clock()
	result, err := c.stream(ctx, req, start)
	if err != nil {
		if !errors.Is(err, ErrAborted) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int("tts.chunks", result.Stats.Chunks),
		attribute.Int64("tts.ttfb_ms", result.Stats.TimeToFirstChunk.Milliseconds()),
		attribute.Int64("tts.total_ms", result.Stats.Total.Milliseconds()),
	)
	return result, nil
}

func (c *StreamClient) stream(ctx context.Context, req SynthRequest, start time.Time) (Result, error) {
	payload := streamRequest{
		Text:    req.Text,
		VoiceID: req.Voice,
		ModelID: req.Model,
		AudioConfig: streamAudioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: req.SampleRate,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, aborted(ctx)
		}
		return Result{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	// A zero-length 200 is an empty stream; only null-body statuses carry no stream at all.
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusResetContent {
		return Result{}, &TransportError{StatusCode: resp.StatusCode, Err: errors.New("response has no body")}
	}

	dec := NewDecoder(c.clock, c.logger)
	if err := drain(ctx, resp.Body, dec); err != nil {
		return Result{}, err
	}
	end := c.clock()

	stats := dec.Stats(start, end)
	if stats.Malformed > 0 {
		c.logger.Warn("tts stream contained malformed records", slog.Int("malformed", stats.Malformed))
	}
	return Result{
		Audio:      audio.Assemble(dec.Chunks(), req.SampleRate),
		SampleRate: req.SampleRate,
		Voice:      req.Voice,
		Model:      req.Model,
		Stats:      stats,
	}, nil
}

// drain feeds r into dec until EOF, checking for cancellation between reads.
func drain(ctx context.Context, r io.Reader, dec *Decoder) error {
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return aborted(ctx)
		}
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			dec.Flush()
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return aborted(ctx)
			}
			return &TransportError{Err: fmt.Errorf("read stream: %w", err)}
		}
	}
}

func withDefaults(req SynthRequest, voice, model string, sampleRate int) SynthRequest {
	if req.Voice == "" {
		req.Voice = voice
	}
	if req.Model == "" {
		req.Model = model
	}
	if req.SampleRate <= 0 {
		req.SampleRate = sampleRate
	}
	return req
}
