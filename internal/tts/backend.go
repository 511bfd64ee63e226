package tts

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/tutorspeech/internal/config"
)

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "stream":
		client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
		return NewStreamClient(StreamConfig{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Voice:      cfg.Voice,
			Model:      cfg.Model,
			SampleRate: cfg.SampleRate,
		}, client, logger), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.Model, cfg.SampleRate, logger)
	case "mock":
		return NewMockSynth(cfg.Voice, cfg.Model, cfg.SampleRate, logger), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
