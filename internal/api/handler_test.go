package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/tutorspeech/internal/audio"
	"github.com/loqalabs/tutorspeech/internal/llm"
	"github.com/loqalabs/tutorspeech/internal/protocol"
	"github.com/loqalabs/tutorspeech/internal/tts"
	"github.com/loqalabs/tutorspeech/internal/tutor"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSynth struct {
	calls int
	got   tts.SynthRequest
	res   tts.Result
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.SynthRequest) (tts.Result, error) {
	f.calls++
	f.got = req
	return f.res, f.err
}

type fakeAsker struct {
	ans tutor.Answer
	err error
	got tutor.Question
}

func (f *fakeAsker) Ask(_ context.Context, q tutor.Question) (tutor.Answer, error) {
	f.got = q
	return f.ans, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.SynthesisEvent
}

func (s *recordingSink) Record(_ context.Context, evt protocol.SynthesisEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) last(t *testing.T) protocol.SynthesisEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		t.Fatal("no events recorded")
	}
	return s.events[len(s.events)-1]
}

type mapCache map[string]tts.Result

func (m mapCache) Get(req tts.SynthRequest) (tts.Result, bool) {
	r, ok := m[req.Text+"|"+req.Voice]
	return r, ok
}

func (m mapCache) Put(req tts.SynthRequest, res tts.Result) { m[req.Text+"|"+req.Voice] = res }

func sampleResult() tts.Result {
	return tts.Result{
		Audio:      audio.Assemble([][]byte{make([]byte, 150)}, 24000),
		SampleRate: 24000,
		Voice:      "Ashley",
		Model:      "inworld-tts-1",
		Stats:      tts.Stats{TimeToFirstChunk: 123 * time.Millisecond, Total: 456 * time.Millisecond, Chunks: 2},
	}
}

func newHandler(t *testing.T, opts Options) http.Handler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h.Routes()
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTTSReturnsWAVWithTimingHeaders(t *testing.T) {
	synth := &fakeSynth{res: sampleResult()}
	sink := &recordingSink{}
	h := newHandler(t, Options{Synth: synth, Sinks: []EventSink{sink}})

	rec := post(t, h, "/api/tts", `{"text":"  Hello there  ","voice":"Dennis","sampleRate":16000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get(HeaderTTFB) != "123" || rec.Header().Get(HeaderTotal) != "456" {
		t.Fatalf("unexpected timing headers %v", rec.Header())
	}
	if rec.Body.Len() != 194 {
		t.Fatalf("body = %d bytes", rec.Body.Len())
	}
	if synth.got.Text != "Hello there" || synth.got.Voice != "Dennis" || synth.got.SampleRate != 16000 {
		t.Fatalf("unexpected synth request %+v", synth.got)
	}

	evt := sink.last(t)
	if evt.Outcome != protocol.OutcomeOK || evt.Kind != protocol.KindSpeak || evt.TTFBMS != 123 || evt.AudioBytes != 194 {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.RequestID == "" || rec.Header().Get(HeaderRequestID) != evt.RequestID {
		t.Fatal("request id must be echoed and recorded")
	}
}

func TestTTSRejectsBadInput(t *testing.T) {
	synth := &fakeSynth{res: sampleResult()}
	h := newHandler(t, Options{Synth: synth, MaxBodyBytes: 64})
	cases := map[string]string{
		"not json":   `{"text":`,
		"empty text": `{"text":"   "}`,
		"negative":   `{"text":"hi","sampleRate":-1}`,
		"rate low":   `{"text":"hi","sampleRate":100}`,
		"rate high":  `{"text":"hi","sampleRate":384000}`,
		"rate wraps": `{"text":"hi","sampleRate":4294983296}`,
		"too large":  `{"text":"` + strings.Repeat("a", 100) + `"}`,
	}
	for name, body := range cases {
		rec := post(t, h, "/api/tts", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", name, rec.Code)
		}
		var payload map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil || payload["error"] == "" {
			t.Fatalf("%s: expected json error, got %s", name, rec.Body.String())
		}
	}
	if synth.calls != 0 {
		t.Fatal("synthesizer must not run for invalid input")
	}
}

func TestTTSErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"transport", &tts.TransportError{StatusCode: 401, Body: "bad key"}, http.StatusBadGateway},
		{"missing key", tts.ErrMissingAPIKey, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		sink := &recordingSink{}
		h := newHandler(t, Options{Synth: &fakeSynth{err: tc.err}, Sinks: []EventSink{sink}})
		rec := post(t, h, "/api/tts", `{"text":"hi"}`)
		if rec.Code != tc.code {
			t.Fatalf("%s: status = %d", tc.name, rec.Code)
		}
		if evt := sink.last(t); evt.Outcome != protocol.OutcomeError || evt.Error == "" {
			t.Fatalf("%s: unexpected event %+v", tc.name, evt)
		}
	}
}

func TestTTSMissingKeyNamesSetting(t *testing.T) {
	h := newHandler(t, Options{Synth: &fakeSynth{err: tts.ErrMissingAPIKey}})
	rec := post(t, h, "/api/tts", `{"text":"hi"}`)
	if !strings.Contains(rec.Body.String(), "TUTOR_TTS_API_KEY") {
		t.Fatalf("expected the setting name in %s", rec.Body.String())
	}
}

func TestTTSAbortWritesNothing(t *testing.T) {
	sink := &recordingSink{}
	abort := fmt.Errorf("%w: %w", tts.ErrAborted, context.Canceled)
	h := newHandler(t, Options{Synth: &fakeSynth{err: abort}, Sinks: []EventSink{sink}})

	rec := post(t, h, "/api/tts", `{"text":"hi"}`)
	if rec.Body.Len() != 0 || rec.Header().Get("Content-Type") != "" {
		t.Fatalf("expected no response, got %q", rec.Body.String())
	}
	if evt := sink.last(t); evt.Outcome != protocol.OutcomeAborted || evt.Error != "" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestTTSCacheHit(t *testing.T) {
	synth := &fakeSynth{res: sampleResult()}
	sink := &recordingSink{}
	h := newHandler(t, Options{Synth: synth, Cache: mapCache{}, Sinks: []EventSink{sink}})

	first := post(t, h, "/api/tts", `{"text":"Hooks"}`)
	second := post(t, h, "/api/tts", `{"text":"Hooks"}`)
	if synth.calls != 1 {
		t.Fatalf("expected one synthesis, got %d", synth.calls)
	}
	if first.Header().Get(HeaderCache) != "" || second.Header().Get(HeaderCache) != "HIT" {
		t.Fatal("expected only the second response to be a cache hit")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) || second.Header().Get(HeaderTTFB) != "123" {
		t.Fatal("cache hit must replay audio and timing")
	}
	if !sink.last(t).Cached {
		t.Fatal("expected cached event")
	}
}

func TestAskSetsLLMHeaders(t *testing.T) {
	asker := &fakeAsker{ans: tutor.Answer{
		Text:        "Context avoids prop drilling & more!",
		LLMDuration: 789 * time.Millisecond,
		Speech:      sampleResult(),
	}}
	sink := &recordingSink{}
	h := newHandler(t, Options{Synth: &fakeSynth{}, Tutor: asker, Sinks: []EventSink{sink}})

	rec := post(t, h, "/api/ask", `{"text":"What is context?","voice":"Dennis"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if asker.got.Prompt != "What is context?" || asker.got.Voice != "Dennis" {
		t.Fatalf("unexpected question %+v", asker.got)
	}
	if rec.Header().Get(HeaderLLM) != "789" || rec.Header().Get(HeaderTTFB) != "123" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	encoded := rec.Header().Get(HeaderAIResponse)
	if strings.ContainsAny(encoded, " +") || !strings.Contains(encoded, "%20") {
		t.Fatalf("spaces must be encoded as %%20, got %q", encoded)
	}
	decoded, err := url.PathUnescape(encoded)
	if err != nil || decoded != asker.ans.Text {
		t.Fatalf("header does not round trip: %q %v", decoded, err)
	}
	if evt := sink.last(t); evt.Kind != protocol.KindAsk || evt.LLMMS != 789 {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestAskErrors(t *testing.T) {
	h := newHandler(t, Options{Synth: &fakeSynth{}})
	if rec := post(t, h, "/api/ask", `{"question":"x"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled: status = %d", rec.Code)
	}

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"model failure", fmt.Errorf("generate answer: %w", errors.New("offline")), http.StatusBadGateway},
		{"llm key", fmt.Errorf("generate answer: %w", llm.ErrMissingAPIKey), http.StatusInternalServerError},
		{"tts transport", &tts.TransportError{StatusCode: 500}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		h := newHandler(t, Options{Synth: &fakeSynth{}, Tutor: &fakeAsker{err: tc.err}})
		if rec := post(t, h, "/api/ask", `{"question":"x"}`); rec.Code != tc.code {
			t.Fatalf("%s: status = %d", tc.name, rec.Code)
		}
	}

	asker := &fakeAsker{}
	h = newHandler(t, Options{Synth: &fakeSynth{}, Tutor: asker})
	if rec := post(t, h, "/api/ask", `{"question":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty question: status = %d", rec.Code)
	}
	if rec := post(t, h, "/api/ask", `{"question":"x","sampleRate":4294983296}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("sample rate out of range: status = %d", rec.Code)
	}
	if asker.got.Prompt != "" {
		t.Fatal("tutor must not run for invalid input")
	}
}

type staticJournal []protocol.SynthesisEvent

func (j staticJournal) ListRecent(_ context.Context, limit int) ([]protocol.SynthesisEvent, error) {
	if limit > 0 && limit < len(j) {
		return j[:limit], nil
	}
	return j, nil
}

func TestRequestsLists(t *testing.T) {
	journal := staticJournal{{RequestID: "b"}, {RequestID: "a"}}
	h := newHandler(t, Options{Synth: &fakeSynth{}, Journal: journal})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/requests?limit=1", nil))
	var got []protocol.SynthesisEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "b" {
		t.Fatalf("unexpected list %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/requests?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := newHandler(t, Options{Synth: &fakeSynth{res: sampleResult()}, AllowedOrigins: []string{"http://localhost:5173"}})

	pre := httptest.NewRequest(http.MethodOptions, "/api/tts", nil)
	pre.Header.Set("Origin", "http://localhost:5173")
	pre.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, pre)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("preflight failed: %d %v", rec.Code, rec.Header())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tts", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Origin", "http://localhost:5173")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !strings.Contains(rec.Header().Get("Access-Control-Expose-Headers"), HeaderTTFB) {
		t.Fatal("timing headers must be exposed to the browser")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tts", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin must not be allowed")
	}
}

func TestTTSEndToEndWithVendorStream(t *testing.T) {
	line := func(pcm []byte) string {
		return fmt.Sprintf(`{"result":{"audioContent":%q}}`+"\n", base64.StdEncoding.EncodeToString(pcm))
	}
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Basic vendor-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		first := append(audio.Header(100, 24000, 1, 16), make([]byte, 100)...)
		_, _ = io.WriteString(w, line(first))
		w.(http.Flusher).Flush()
		time.Sleep(2 * time.Millisecond)
		_, _ = io.WriteString(w, line(make([]byte, 50)))
	}))
	defer vendor.Close()

	synth := tts.NewStreamClient(tts.StreamConfig{
		Endpoint: vendor.URL, APIKey: "vendor-key", Voice: "Ashley", Model: "inworld-tts-1", SampleRate: 24000,
	}, vendor.Client(), newLogger())
	h := newHandler(t, Options{Synth: synth})

	rec := post(t, h, "/api/tts", `{"text":"Hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 194 {
		t.Fatalf("body = %d bytes", rec.Body.Len())
	}
	info, err := audio.Inspect(rec.Body.Bytes())
	if err != nil || info.DataSize != 150 {
		t.Fatalf("inspect: %+v %v", info, err)
	}
	if rec.Header().Get(HeaderTTFB) == "" || rec.Header().Get(HeaderTotal) == "" {
		t.Fatal("timing headers missing")
	}
}
