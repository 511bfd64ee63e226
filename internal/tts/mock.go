package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/tutorspeech/internal/audio"
)

// mockSynth renders a short tone per word and replays it through the same
// decode path as the vendor stream, first chunk header included.
type mockSynth struct {
	voice      string
	model      string
	sampleRate int
	logger     *slog.Logger
}

func NewMockSynth(voice, model string, sampleRate int, logger *slog.Logger) Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &mockSynth{voice: voice, model: model, sampleRate: sampleRate, logger: logger.With(slog.String("component", "tts-mock"))}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Result, error) {
	req = withDefaults(req, m.voice, m.model, m.sampleRate)
	if err := checkSampleRate(req.SampleRate); err != nil {
		return Result{}, err
	}
	start := time.Now()
	select {
	case <-ctx.Done():
		return Result{}, aborted(ctx)
	case <-time.After(20 * time.Millisecond):
	}

	stream := mockStream(req.Text, req.SampleRate)
	dec := NewDecoder(time.Now, m.logger)
	if err := drain(ctx, bytes.NewReader(stream), dec); err != nil {
		return Result{}, err
	}
	return Result{
		Audio:      audio.Assemble(dec.Chunks(), req.SampleRate),
		SampleRate: req.SampleRate,
		Voice:      req.Voice,
		Model:      req.Model,
		Stats:      dec.Stats(start, time.Now()),
	}, nil
}

func mockStream(text string, sampleRate int) []byte {
	words := len(bytes.Fields([]byte(text)))
	if words == 0 {
		words = 1
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	for i := 0; i < words; i++ {
		pcm := tone(440+float64(i%4)*110, 150*time.Millisecond, sampleRate)
		if i == 0 {
			pcm = append(audio.Header(len(pcm), sampleRate, audio.Channels, audio.BitsPerSample), pcm...)
		}
		rec := map[string]any{"result": map[string]string{"audioContent": base64.StdEncoding.EncodeToString(pcm)}}
		_ = enc.Encode(rec)
	}
	return out.Bytes()
}

func tone(freq float64, d time.Duration, sampleRate int) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(0.2 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}
