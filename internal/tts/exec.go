package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/tutorspeech/internal/audio"
	"github.com/mattn/go-shellwords"
)

// execSynth runs a local command that reads one JSON request on stdin and
// writes the vendor's NDJSON stream format on stdout.
type execSynth struct {
	cmd        []string
	voice      string
	model      string
	sampleRate int
	clock      func() time.Time
	logger     *slog.Logger
}

type execRequest struct {
	Text          string `json:"text"`
	Voice         string `json:"voice"`
	Model         string `json:"model"`
	AudioEncoding string `json:"audio_encoding"`
	SampleRate    int    `json:"sample_rate"`
}

func NewExecSynth(command, voice, model string, sampleRate int, logger *slog.Logger) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &execSynth{
		cmd:        args,
		voice:      voice,
		model:      model,
		sampleRate: sampleRate,
		clock:      time.Now,
		logger:     logger.With(slog.String("component", "tts-exec")),
	}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Result, error) {
	req = withDefaults(req, e.voice, e.model, e.sampleRate)
	if err := checkSampleRate(req.SampleRate); err != nil {
		return Result{}, err
	}
	data, err := json.Marshal(execRequest{
		Text:          req.Text,
		Voice:         req.Voice,
		Model:         req.Model,
		AudioEncoding: "LINEAR16",
		SampleRate:    req.SampleRate,
	})
	if err != nil {
		return Result{}, err
	}

	start := e.clock()
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, &TransportError{Err: fmt.Errorf("start tts command: %w", err)}
	}

	dec := NewDecoder(e.clock, e.logger)
	drainErr := drain(ctx, stdout, dec)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Result{}, aborted(ctx)
	}
	if drainErr != nil {
		return Result{}, drainErr
	}
	if waitErr != nil {
		return Result{}, &TransportError{Err: fmt.Errorf("tts command failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))}
	}
	end := e.clock()

	return Result{
		Audio:      audio.Assemble(dec.Chunks(), req.SampleRate),
		SampleRate: req.SampleRate,
		Voice:      req.Voice,
		Model:      req.Model,
		Stats:      dec.Stats(start, end),
	}, nil
}
