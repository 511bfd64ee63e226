package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/tutorspeech/internal/audio"
)

// SynthRequest contains parameters to synthesize speech. Empty fields fall
// back to the configured defaults.
type SynthRequest struct {
	Text       string
	Voice      string
	Model      string
	SampleRate int
}

// Stats carries the latency of one synthesis and what the stream delivered.
type Stats struct {
	TimeToFirstChunk time.Duration
	Total            time.Duration
	Chunks           int
	PCMBytes         int
	Malformed        int
}

// Result is a complete WAV file plus the stats gathered while producing it.
type Result struct {
	Audio      []byte
	SampleRate int
	Voice      string
	Model      string
	Stats      Stats
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Result, error)
}

var (
	// ErrMissingAPIKey is returned before any network call when no vendor
	// credential is configured.
	ErrMissingAPIKey = errors.New("tts api key not configured (set tts.api_key or TUTOR_TTS_API_KEY)")

	// ErrAborted marks a synthesis cancelled by the caller. It is not a failure.
	ErrAborted = errors.New("tts request aborted")

	// ErrSampleRate is returned before synthesis when the resolved rate is
	// outside what a WAV header and the vendor can carry.
	ErrSampleRate = fmt.Errorf("sample rate must be between %d and %d", audio.MinSampleRate, audio.MaxSampleRate)
)

func checkSampleRate(hz int) error {
	if !audio.ValidSampleRate(hz) {
		return fmt.Errorf("%w: got %d", ErrSampleRate, hz)
	}
	return nil
}

// TransportError reports an unusable upstream response.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("tts upstream: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("tts upstream returned HTTP %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("tts upstream returned HTTP %d", e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func aborted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
}
