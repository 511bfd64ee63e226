package audiocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/loqalabs/tutorspeech/internal/config"
	"github.com/loqalabs/tutorspeech/internal/tts"
)

// Cache keeps finished narration so repeated lessons are not re-synthesized.
type Cache struct {
	store *bigcache.BigCache
	log   *slog.Logger
}

type entry struct {
	Audio      []byte    `json:"audio"`
	SampleRate int       `json:"sample_rate"`
	Voice      string    `json:"voice"`
	Model      string    `json:"model"`
	Stats      tts.Stats `json:"stats"`
}

// New returns nil when caching is disabled.
func New(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	bc := bigcache.DefaultConfig(time.Duration(cfg.TTLMinutes) * time.Minute)
	// WAV entries run to hundreds of KB, so use few large shards.
	bc.Shards = 16
	bc.MaxEntrySize = 256 << 10
	bc.HardMaxCacheSize = cfg.MaxSizeMB
	bc.Verbose = false

	store, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("create audio cache: %w", err)
	}
	return &Cache{store: store, log: log.With(slog.String("component", "audiocache"))}, nil
}

// Key identifies a synthesis by everything that affects its audio.
func Key(req tts.SynthRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Text))
	h.Write([]byte{0})
	h.Write([]byte(req.Voice))
	h.Write([]byte{0})
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(req.SampleRate)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) Get(req tts.SynthRequest) (tts.Result, bool) {
	if c == nil {
		return tts.Result{}, false
	}
	data, err := c.store.Get(Key(req))
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.log.Warn("audio cache lookup failed", slog.String("error", err.Error()))
		}
		return tts.Result{}, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.log.Warn("dropping corrupt audio cache entry", slog.String("error", err.Error()))
		_ = c.store.Delete(Key(req))
		return tts.Result{}, false
	}
	return tts.Result{Audio: e.Audio, SampleRate: e.SampleRate, Voice: e.Voice, Model: e.Model, Stats: e.Stats}, true
}

func (c *Cache) Put(req tts.SynthRequest, res tts.Result) {
	if c == nil {
		return
	}
	data, err := json.Marshal(entry{Audio: res.Audio, SampleRate: res.SampleRate, Voice: res.Voice, Model: res.Model, Stats: res.Stats})
	if err != nil {
		return
	}
	if err := c.store.Set(Key(req), data); err != nil {
		c.log.Warn("audio cache store failed", slog.String("error", err.Error()), slog.Int("bytes", len(data)))
	}
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.store.Len()
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.store.Close()
}
