package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/tutorspeech/internal/api"
	"github.com/loqalabs/tutorspeech/internal/audiocache"
	"github.com/loqalabs/tutorspeech/internal/bus"
	"github.com/loqalabs/tutorspeech/internal/config"
	"github.com/loqalabs/tutorspeech/internal/eventstore"
	"github.com/loqalabs/tutorspeech/internal/llm"
	"github.com/loqalabs/tutorspeech/internal/natsserver"
	"github.com/loqalabs/tutorspeech/internal/tts"
	"github.com/loqalabs/tutorspeech/internal/tutor"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	eventStore  *eventstore.Store
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	cache       *audiocache.Cache
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.build(ctx, metricsHandler)
	if err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.Bool("llm_enabled", r.cfg.LLM.Enabled),
		slog.Bool("cache_enabled", r.cfg.Cache.Enabled),
		slog.Bool("bus_enabled", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// build constructs every component and returns the root HTTP handler.
func (r *Runtime) build(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.eventStore = store
	sinks := []api.EventSink{store}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		r.busClient = client
		sinks = append(sinks, bus.NewEventPublisher(client, busCfg.Subject))
	}

	synth, err := tts.New(r.cfg.TTS, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create synthesizer: %w", err)
	}

	opts := api.Options{
		Synth:          synth,
		Journal:        store,
		Sinks:          sinks,
		MaxBodyBytes:   r.cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: r.cfg.HTTP.AllowedOrigins,
		Logger:         r.logger,
	}

	if r.cfg.LLM.Enabled {
		gen, err := llm.New(r.cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm generator: %w", err)
		}
		opts.Tutor = tutor.New(gen, synth, llm.OptionsFromConfig(r.cfg.LLM), r.logger)
	}

	cache, err := audiocache.New(ctx, r.cfg.Cache, r.logger)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		r.cache = cache
		opts.Cache = cache
	}

	handler, err := api.New(opts)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return api.WithCORS(r.cfg.HTTP.AllowedOrigins, mux), nil
}

func (r *Runtime) shutdown() {
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.natsServer.Shutdown()
	if err := r.cache.Close(); err != nil {
		r.logger.Warn("audio cache close error", slog.String("error", err.Error()))
	}
	if r.eventStore != nil {
		if err := r.eventStore.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	return r.ready.Load() && (!r.cfg.Bus.Enabled || r.busClient.Healthy())
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
