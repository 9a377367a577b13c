package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicegate/internal/api"
	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"github.com/loqalabs/loqa-voicegate/internal/bus"
	"github.com/loqalabs/loqa-voicegate/internal/config"
	"github.com/loqalabs/loqa-voicegate/internal/engine"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
	"github.com/loqalabs/loqa-voicegate/internal/natsserver"
	"github.com/loqalabs/loqa-voicegate/internal/transcode"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats   *natsserver.EmbeddedServer
	bus    *bus.Client
	store  *eventstore.Store
	groups []*engine.Group
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

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Int("engines", len(r.groups)))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.stopComponents(shutdownCtx)

	return nil
}

// startComponents brings up storage, the optional bus and one group per
// configured engine.
func (r *Runtime) startComponents(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	client := backend.NewClient(nil, backend.Timeouts{
		Probe:  time.Duration(r.cfg.Health.ProbeTimeoutMS) * time.Millisecond,
		Roster: time.Duration(r.cfg.Timeouts.RosterMS) * time.Millisecond,
		Call:   time.Duration(r.cfg.Timeouts.SynthesisMS) * time.Millisecond,
	})
	transcoder, err := transcode.NewClient(r.cfg.Transcoder, time.Duration(r.cfg.Timeouts.TranscodeMS)*time.Millisecond, r.logger)
	if err != nil {
		return fmt.Errorf("create transcoder: %w", err)
	}

	deps := engine.Deps{
		Client:         client,
		Transcoder:     transcoder,
		Recorder:       store,
		Bus:            r.bus,
		ShardCount:     r.cfg.Shards.Count,
		HealthInterval: time.Duration(r.cfg.Health.IntervalMS) * time.Millisecond,
	}
	for _, engCfg := range r.cfg.Engines {
		group, err := engine.NewGroup(engCfg, deps, r.logger)
		if err != nil {
			return err
		}
		if err := group.Start(ctx); err != nil {
			return err
		}
		r.groups = append(r.groups, group)
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) stopComponents(ctx context.Context) {
	for _, group := range r.groups {
		group.Close()
	}
	r.groups = nil
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.tracerClose = nil
	}
}

func (r *Runtime) routes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	engines := make([]api.Engine, 0, len(r.groups))
	for _, group := range r.groups {
		engines = append(engines, group)
	}
	api.NewServer(engines, r.store, r.cfg.HTTP.MaxBodyBytes, r.logger).Register(mux)
	return mux
}

// pruneLoop applies audit log retention every health interval.
func (r *Runtime) pruneLoop(ctx context.Context) {
	if r.store == nil || !r.store.Enabled() || r.cfg.Health.IntervalMS <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(r.cfg.Health.IntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once every engine group finished its first
// shard computation.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.groupsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) groupsReady() bool {
	for _, group := range r.groups {
		if !group.Ready() {
			return false
		}
	}
	return true
}
