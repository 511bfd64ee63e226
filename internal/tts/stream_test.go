package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/tutorspeech/internal/audio"
)

func newTestClient(url, key string) *StreamClient {
	return NewStreamClient(StreamConfig{
		Endpoint:   url,
		APIKey:     key,
		Voice:      "Ashley",
		Model:      "inworld-tts-1",
		SampleRate: 24000,
	}, nil, newLogger())
}

func TestStreamAssemblesChunks(t *testing.T) {
	var gotAuth string
	var gotBody streamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(audioLine(withFakeHeader(bytes.Repeat([]byte{1}, 100)))))
		w.(http.Flusher).Flush()
		time.Sleep(5 * time.Millisecond)
		_, _ = w.Write([]byte(audioLine(bytes.Repeat([]byte{2}, 50))))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, "secret-key")
	res, err := client.Synthesize(context.Background(), SynthRequest{Text: "Hello there"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	if gotAuth != "Basic secret-key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody.Text != "Hello there" || gotBody.VoiceID != "Ashley" || gotBody.ModelID != "inworld-tts-1" {
		t.Fatalf("unexpected request body %+v", gotBody)
	}
	if gotBody.AudioConfig.AudioEncoding != "LINEAR16" || gotBody.AudioConfig.SampleRateHertz != 24000 {
		t.Fatalf("unexpected audio config %+v", gotBody.AudioConfig)
	}

	if len(res.Audio) != 194 {
		t.Fatalf("expected 194 byte file, got %d", len(res.Audio))
	}
	if got := binary.LittleEndian.Uint32(res.Audio[40:44]); got != 150 {
		t.Fatalf("data size = %d, want 150", got)
	}
	if got := binary.LittleEndian.Uint32(res.Audio[4:8]); got != 186 {
		t.Fatalf("riff size = %d, want 186", got)
	}
	if !bytes.Equal(res.Audio[44:144], bytes.Repeat([]byte{1}, 100)) {
		t.Fatal("first chunk payload not stripped and ordered")
	}
	if res.Stats.TimeToFirstChunk <= 0 {
		t.Fatal("expected positive time to first chunk")
	}
	if res.Stats.Total < res.Stats.TimeToFirstChunk {
		t.Fatalf("total %s shorter than ttfb %s", res.Stats.Total, res.Stats.TimeToFirstChunk)
	}
	if res.Stats.Chunks != 2 {
		t.Fatalf("expected 2 chunks, got %d", res.Stats.Chunks)
	}

	info, err := audio.Inspect(res.Audio)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.DataSize != 150 || info.SampleRate != 24000 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestStreamRequestOverrides(t *testing.T) {
	var gotBody streamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(audioLine([]byte{1, 2})))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, "k")
	res, err := client.Synthesize(context.Background(), SynthRequest{Text: "x", Voice: "Dennis", SampleRate: 16000})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if gotBody.VoiceID != "Dennis" || gotBody.AudioConfig.SampleRateHertz != 16000 {
		t.Fatalf("overrides not applied: %+v", gotBody)
	}
	if res.SampleRate != 16000 || binary.LittleEndian.Uint32(res.Audio[24:28]) != 16000 {
		t.Fatal("header sample rate does not follow the request")
	}
}

func TestStreamEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("\n"))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL, "k").Synthesize(context.Background(), SynthRequest{Text: "x"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(res.Audio) != audio.HeaderSize {
		t.Fatalf("expected header only, got %d bytes", len(res.Audio))
	}
	if res.Stats.TimeToFirstChunk != 0 {
		t.Fatalf("expected zero ttfb, got %s", res.Stats.TimeToFirstChunk)
	}
}

func TestStreamEmptyContentLengthBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL, "k").Synthesize(context.Background(), SynthRequest{Text: "x"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(res.Audio) != audio.HeaderSize {
		t.Fatalf("expected header only, got %d bytes", len(res.Audio))
	}
	if got := binary.LittleEndian.Uint32(res.Audio[40:44]); got != 0 {
		t.Fatalf("data size = %d, want 0", got)
	}
	if res.Stats.TimeToFirstChunk != 0 || res.Stats.Total < 0 {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
}

func TestStreamNoContentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "k").Synthesize(context.Background(), SynthRequest{Text: "x"})
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusNoContent {
		t.Fatalf("expected transport error for 204, got %v", err)
	}
}

func TestStreamNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"voice not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "k").Synthesize(context.Background(), SynthRequest{Text: "x"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", te.StatusCode)
	}
	if errors.Is(err, ErrAborted) {
		t.Fatal("status failure must not be reported as an abort")
	}
}

func TestStreamMissingKeySkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "  ").Synthesize(context.Background(), SynthRequest{Text: "x"})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no requests, got %d", hits.Load())
	}
}

func TestStreamUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, "k").Synthesize(context.Background(), SynthRequest{Text: "x"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestStreamCancelMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(audioLine([]byte{1, 2, 3, 4})))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(srv.URL, "k").Synthesize(ctx, SynthRequest{Text: "x"})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancellation cause, got %v", err)
	}
	var te *TransportError
	if errors.As(err, &te) {
		t.Fatal("abort must not be reported as a transport error")
	}
}

func TestStreamCancelledBeforeStart(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL, "k").Synthesize(ctx, SynthRequest{Text: "x"})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestMockSynthProducesValidWAV(t *testing.T) {
	synth := NewMockSynth("Ashley", "mock", 24000, newLogger())
	res, err := synth.Synthesize(context.Background(), SynthRequest{Text: "one two three"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	info, err := audio.Inspect(res.Audio)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	// 150ms of 16-bit mono per word
	if want := 3 * 3600 * 2; info.DataSize != want {
		t.Fatalf("data size = %d, want %d", info.DataSize, want)
	}
	if res.Stats.Chunks != 3 || res.Voice != "Ashley" {
		t.Fatalf("unexpected result %+v", res.Stats)
	}
}

func TestMockSynthAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockSynth("", "", 24000, newLogger()).Synthesize(ctx, SynthRequest{Text: "x"})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestSynthRejectsSampleRateOutOfRange(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	synths := map[string]Synthesizer{
		"stream": newTestClient(srv.URL, "k"),
		"mock":   NewMockSynth("", "", 24000, newLogger()),
	}
	for name, synth := range synths {
		for _, hz := range []int{100, 4294967296 + 16000} {
			_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "x", SampleRate: hz})
			if !errors.Is(err, ErrSampleRate) {
				t.Fatalf("%s at %d: expected ErrSampleRate, got %v", name, hz, err)
			}
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no requests, got %d", hits.Load())
	}
}
