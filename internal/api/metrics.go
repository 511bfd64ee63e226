package api

import (
	"context"
	"time"

	"github.com/loqalabs/tutorspeech/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	ttfb     metric.Int64Histogram
	total    metric.Int64Histogram
	llm      metric.Int64Histogram
	requests metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/tutorspeech/api")
	ttfb, err := meter.Int64Histogram("tutorspeech.tts.ttfb",
		metric.WithDescription("Time until the first decoded audio chunk"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	total, err := meter.Int64Histogram("tutorspeech.tts.total",
		metric.WithDescription("Time until the vendor stream ended"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	llmDur, err := meter.Int64Histogram("tutorspeech.llm.duration",
		metric.WithDescription("Time spent generating tutor answers"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	requests, err := meter.Int64Counter("tutorspeech.requests",
		metric.WithDescription("Finished speech requests by kind and outcome"))
	if err != nil {
		return nil, err
	}
	return &metrics{ttfb: ttfb, total: total, llm: llmDur, requests: requests}, nil
}

func (m *metrics) recordSynthesis(ctx context.Context, stats tts.Stats) {
	if stats.Chunks > 0 {
		m.ttfb.Record(ctx, stats.TimeToFirstChunk.Milliseconds())
	}
	m.total.Record(ctx, stats.Total.Milliseconds())
}

func (m *metrics) recordLLM(ctx context.Context, d time.Duration) {
	if d > 0 {
		m.llm.Record(ctx, d.Milliseconds())
	}
}

func (m *metrics) countRequest(ctx context.Context, kind, outcome string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
