package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/tutorspeech/internal/llm"
	"github.com/loqalabs/tutorspeech/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/loqalabs/tutorspeech/tutor")

// ErrEmptyAnswer is returned when the model produced no text to speak.
var ErrEmptyAnswer = errors.New("llm returned an empty answer")

// Question is one learner prompt plus optional voice settings for the reply.
type Question struct {
	RequestID  string
	Prompt     string
	Voice      string
	Model      string
	SampleRate int
}

// Answer carries the model's text, how long the model took, and the spoken
// reply.
type Answer struct {
	Text        string
	LLMDuration time.Duration
	Speech      tts.Result
}

// Tutor answers questions about the course and speaks the answer.
type Tutor struct {
	gen      llm.Generator
	synth    tts.Synthesizer
	defaults llm.Request
	clock    func() time.Time
	logger   *slog.Logger
}

func New(gen llm.Generator, synth tts.Synthesizer, defaults llm.Request, logger *slog.Logger) *Tutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tutor{
		gen:      gen,
		synth:    synth,
		defaults: defaults,
		clock:    time.Now,
		logger:   logger.With(slog.String("component", "tutor")),
	}
}

// Ask runs the model and feeds its answer into the synthesizer. An error
// from the model is wrapped; synthesizer errors are returned unchanged so
// callers can match tts.ErrAborted and *tts.TransportError.
func (t *Tutor) Ask(ctx context.Context, q Question) (Answer, error) {
	ctx, span := tracer.Start(ctx, "tutor.ask")
	defer span.End()
	span.SetAttributes(attribute.Int("tutor.prompt_chars", len(q.Prompt)))

	text, llmDur, err := t.generate(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return Answer{}, fmt.Errorf("%w: %w", tts.ErrAborted, context.Cause(ctx))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Answer{LLMDuration: llmDur}, err
	}
	t.logger.Debug("tutor answer generated", slog.Duration("llm", llmDur), slog.Int("chars", len(text)))

	speech, err := t.synth.Synthesize(ctx, tts.SynthRequest{
		Text:       text,
		Voice:      q.Voice,
		Model:      q.Model,
		SampleRate: q.SampleRate,
	})
	if err != nil {
		if !errors.Is(err, tts.ErrAborted) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return Answer{Text: text, LLMDuration: llmDur}, err
	}
	return Answer{Text: text, LLMDuration: llmDur, Speech: speech}, nil
}

func (t *Tutor) generate(ctx context.Context, q Question) (string, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "llm.generate")
	defer span.End()

	req := t.defaults
	req.RequestID = q.RequestID
	req.Prompt = strings.TrimSpace(q.Prompt)

	start := t.clock()
	text, err := llm.Collect(ctx, t.gen, req)
	dur := t.clock().Sub(start)
	span.SetAttributes(attribute.Int64("llm.duration_ms", dur.Milliseconds()))
	if err != nil {
		return "", dur, fmt.Errorf("generate answer: %w", err)
	}
	if text == "" {
		return "", dur, ErrEmptyAnswer
	}
	return text, dur, nil
}
