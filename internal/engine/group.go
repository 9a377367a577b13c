// Package engine ties the health monitor, shard assignor and dispatcher of
// one configured engine together and owns their background tasks.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"github.com/loqalabs/loqa-voicegate/internal/bus"
	"github.com/loqalabs/loqa-voicegate/internal/config"
	"github.com/loqalabs/loqa-voicegate/internal/dispatch"
	"github.com/loqalabs/loqa-voicegate/internal/health"
	"github.com/loqalabs/loqa-voicegate/internal/protocol"
	"github.com/loqalabs/loqa-voicegate/internal/shard"
	"github.com/nats-io/nats.go"
)

// Deps are the collaborators shared by every group.
type Deps struct {
	Client         *backend.Client
	Transcoder     dispatch.Transcoder
	Recorder       dispatch.Recorder
	Bus            *bus.Client
	ShardCount     int
	HealthInterval time.Duration
}

type Group struct {
	cfg        config.EngineConfig
	monitor    *health.Monitor
	assignor   *shard.Assignor
	dispatcher *dispatch.Dispatcher
	bus        *bus.Client
	interval   time.Duration
	log        *slog.Logger

	ready  atomic.Bool
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

func NewGroup(cfg config.EngineConfig, deps Deps, log *slog.Logger) (*Group, error) {
	family, err := backend.NewFamily(cfg.Family)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", cfg.Name, err)
	}
	if deps.Client == nil || deps.Transcoder == nil {
		return nil, fmt.Errorf("engine %s: client and transcoder are required", cfg.Name)
	}

	g := &Group{
		cfg:      cfg,
		bus:      deps.Bus,
		interval: deps.HealthInterval,
		log:      log.With(slog.String("component", "engine"), slog.String("engine", cfg.Name)),
	}
	instances := backend.InstancesFromConfig(cfg)
	g.monitor = health.NewMonitor(cfg.Name, instances, deps.Client, log, health.WithChangeHook(g.publishHealth))
	g.assignor = shard.NewAssignor(cfg.Name, family, g.monitor, deps.Client, deps.ShardCount, log)
	g.dispatcher = dispatch.New(dispatch.Options{
		Engine: cfg.Name,
		Family: family,
		Client: deps.Client,
		Health: g.monitor,
		Shards: g.assignor.Table(),
		Fallback: backend.Fallback{
			StyleID:     cfg.Fallback.StyleID,
			SpeakerUUID: cfg.Fallback.SpeakerUUID,
			EngineURL:   cfg.Fallback.EngineURL,
		},
		Paths:      backend.PathsFromConfig(cfg.Paths),
		Transcoder: deps.Transcoder,
		Recorder:   deps.Recorder,
	}, log)
	return g, nil
}

func (g *Group) Name() string  { return g.cfg.Name }
func (g *Group) Route() string { return g.cfg.Route }

// Ready reports whether the first shard computation has completed.
func (g *Group) Ready() bool { return g.ready.Load() }

func (g *Group) Health() *health.Status { return g.monitor.Snapshot() }

func (g *Group) Shards() *shard.Map { return g.assignor.Table().Load() }

func (g *Group) Dispatch(ctx context.Context, req backend.SynthesisRequest) (dispatch.Result, error) {
	return g.dispatcher.Dispatch(ctx, req)
}

// Start subscribes to the control subjects and launches the background task
// that computes the initial shard map and then re-probes every interval.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return fmt.Errorf("engine %s already started", g.cfg.Name)
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.subscribe(); err != nil {
		g.cancel()
		return err
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.Reshard(g.ctx)
		g.ready.Store(true)
		if g.interval > 0 {
			g.monitor.Run(g.ctx, g.interval)
		}
	}()
	g.log.Info("engine group started",
		slog.Int("instances", len(g.monitor.Instances())),
		slog.String("route", g.cfg.Route),
		slog.String("family", g.cfg.Family))
	return nil
}

// Reshard recomputes the shard map and announces it on the bus.
func (g *Group) Reshard(ctx context.Context) shard.Result {
	res := g.assignor.Compute(ctx)
	g.publishShards(res)
	return res
}

// Close drops bus subscriptions, cancels the background task and waits for
// it to exit.
func (g *Group) Close() {
	g.mu.Lock()
	cancel := g.cancel
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
}

func (g *Group) subscribe() error {
	if g.bus == nil {
		return nil
	}
	reshardSub, err := g.bus.Subscribe(protocol.ReshardSubject(g.cfg.Name), g.handleReshard)
	if err != nil {
		return err
	}
	g.subs = append(g.subs, reshardSub)

	querySub, err := g.bus.Subscribe(protocol.ShardsQuerySubject(g.cfg.Name), g.handleShardsQuery)
	if err != nil {
		_ = reshardSub.Unsubscribe()
		g.subs = nil
		return err
	}
	g.subs = append(g.subs, querySub)
	return nil
}

func (g *Group) handleReshard(msg *nats.Msg) {
	var req protocol.ReshardRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			g.log.Warn("invalid reshard request", slogError(err))
			return
		}
	}
	g.log.Info("reshard requested over bus", slog.String("requested_by", req.RequestedBy))

	res := g.Reshard(g.ctx)
	if msg.Reply != "" {
		payload, err := json.Marshal(res.Map)
		if err != nil {
			g.log.Warn("failed to encode shard map", slogError(err))
			return
		}
		_ = msg.Respond(payload)
	}
}

func (g *Group) handleShardsQuery(msg *nats.Msg) {
	payload, err := json.Marshal(g.Shards())
	if err != nil {
		g.log.Warn("failed to encode shard map", slogError(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		g.log.Debug("failed to answer shard query", slogError(err))
	}
}

func (g *Group) publishHealth(url string, healthy bool, at time.Time) {
	if g.bus == nil {
		return
	}
	evt := protocol.HealthEvent{
		Engine:    g.cfg.Name,
		Instance:  url,
		Healthy:   healthy,
		Timestamp: at,
	}
	if err := g.bus.PublishJSON(protocol.HealthSubject(g.cfg.Name), evt); err != nil {
		g.log.Warn("failed to publish health event", slogError(err))
	}
}

func (g *Group) publishShards(res shard.Result) {
	if g.bus == nil {
		return
	}
	shards, err := json.Marshal(res.Map)
	if err != nil {
		g.log.Warn("failed to encode shard map", slogError(err))
		return
	}
	evt := protocol.ShardsUpdated{
		Engine:    g.cfg.Name,
		Styles:    res.Map.StyleCount(),
		Warnings:  res.Warnings,
		Shards:    shards,
		Timestamp: time.Now().UTC(),
	}
	if err := g.bus.PublishJSON(protocol.ShardsUpdatedSubject(g.cfg.Name), evt); err != nil {
		g.log.Warn("failed to publish shard update", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
