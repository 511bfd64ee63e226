package tts

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/tutorspeech/internal/audio"
)

// streamRecord is one line of the vendor stream. Records without
// result.audioContent are control records.
type streamRecord struct {
	Result *struct {
		AudioContent string `json:"audioContent"`
	} `json:"result"`
}

// Decoder turns a newline-delimited JSON byte stream into ordered raw PCM
// chunks. Writes may split records (and UTF-8 sequences) anywhere; only
// complete lines are parsed and the remainder waits for the next Write.
// A Decoder belongs to a single request and is not safe for concurrent use.
type Decoder struct {
	pending      []byte
	chunks       [][]byte
	firstChunkAt time.Time
	malformed    int
	clock        func() time.Time
	logger       *slog.Logger
}

func NewDecoder(clock func() time.Time, logger *slog.Logger) *Decoder {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{clock: clock, logger: logger}
}

// Write never fails; malformed records are logged and skipped.
func (d *Decoder) Write(p []byte) (int, error) {
	d.pending = append(d.pending, p...)
	consumed := 0
	for {
		i := bytes.IndexByte(d.pending[consumed:], '\n')
		if i < 0 {
			break
		}
		d.processLine(d.pending[consumed : consumed+i])
		consumed += i + 1
	}
	if consumed > 0 {
		n := copy(d.pending, d.pending[consumed:])
		d.pending = d.pending[:n]
	}
	return len(p), nil
}

// Flush processes a trailing record that was not newline terminated.
func (d *Decoder) Flush() {
	if len(d.pending) == 0 {
		return
	}
	d.processLine(d.pending)
	d.pending = d.pending[:0]
}

func (d *Decoder) processLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var rec streamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		d.malformed++
		d.logger.Warn("skipping malformed stream record", slogError(err), slog.Int("bytes", len(line)))
		return
	}
	if rec.Result == nil || rec.Result.AudioContent == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(rec.Result.AudioContent)
	if err != nil {
		d.malformed++
		d.logger.Warn("skipping stream record with invalid audio", slogError(err))
		return
	}
	pcm = audio.StripEmbeddedHeader(pcm)
	if len(pcm) == 0 {
		return
	}
	if d.firstChunkAt.IsZero() {
		d.firstChunkAt = d.clock()
	}
	d.chunks = append(d.chunks, pcm)
}

// Chunks returns the decoded PCM buffers in arrival order.
func (d *Decoder) Chunks() [][]byte { return d.chunks }

// FirstChunkAt is zero until a chunk has been decoded.
func (d *Decoder) FirstChunkAt() time.Time { return d.firstChunkAt }

// Stats measures the stream against the request start and completion times.
func (d *Decoder) Stats(start, end time.Time) Stats {
	stats := Stats{
		Total:     end.Sub(start),
		Chunks:    len(d.chunks),
		Malformed: d.malformed,
	}
	for _, c := range d.chunks {
		stats.PCMBytes += len(c)
	}
	if !d.firstChunkAt.IsZero() {
		if ttfb := d.firstChunkAt.Sub(start); ttfb > 0 {
			stats.TimeToFirstChunk = ttfb
		}
	}
	if stats.Total < 0 {
		stats.Total = 0
	}
	return stats
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
