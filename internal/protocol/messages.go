package protocol

import "time"

// SynthesisEvent summarizes one finished /api/tts or /api/ask request. It is
// journaled to the event store and published on the bus.
type SynthesisEvent struct {
	RequestID  string    `json:"request_id"`
	Kind       string    `json:"kind"`
	Voice      string    `json:"voice"`
	Model      string    `json:"model"`
	SampleRate int       `json:"sample_rate"`
	Chars      int       `json:"chars"`
	Chunks     int       `json:"chunks"`
	AudioBytes int       `json:"audio_bytes"`
	TTFBMS     int64     `json:"ttfb_ms"`
	TotalMS    int64     `json:"total_ms"`
	LLMMS      int64     `json:"llm_ms,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	KindSpeak = "speak"
	KindAsk   = "ask"

	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeAborted = "aborted"
)

const SubjectSynthesisCompleted = "tutor.tts.completed"
