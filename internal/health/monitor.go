// Package health tracks the liveness of every configured engine instance.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Prober performs a single liveness check against an instance.
type Prober interface {
	Probe(ctx context.Context, inst backend.Instance) error
}

// Status is an immutable view of instance health keyed by base URL. A new
// Status replaces the previous one on every change.
type Status struct {
	healthy   map[string]bool
	CheckedAt time.Time
}

// Healthy reports whether url was healthy at the last probe. Unknown
// instances and a nil Status count as unhealthy.
func (s *Status) Healthy(url string) bool {
	if s == nil {
		return false
	}
	return s.healthy[url]
}

func (s *Status) HealthyCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, ok := range s.healthy {
		if ok {
			n++
		}
	}
	return n
}

// Filter returns the healthy subset of instances, keeping their order.
func (s *Status) Filter(instances []backend.Instance) []backend.Instance {
	var out []backend.Instance
	for _, inst := range instances {
		if s.Healthy(inst.BaseURL) {
			out = append(out, inst)
		}
	}
	return out
}

// Map returns a copy of the underlying health map.
func (s *Status) Map() map[string]bool {
	out := make(map[string]bool)
	if s == nil {
		return out
	}
	for k, v := range s.healthy {
		out[k] = v
	}
	return out
}

// ChangeFunc is invoked after an instance flips between healthy and
// unhealthy. at is the check time of the status that recorded the flip.
type ChangeFunc func(url string, healthy bool, at time.Time)

// Monitor is the single writer of the health status of one engine. Readers
// take snapshots through Snapshot and never block writers.
type Monitor struct {
	engine    string
	instances []backend.Instance
	prober    Prober
	log       *slog.Logger
	onChange  ChangeFunc

	mu     sync.Mutex
	status atomic.Pointer[Status]
}

type Option func(*Monitor)

func WithChangeHook(fn ChangeFunc) Option {
	return func(m *Monitor) { m.onChange = fn }
}

func NewMonitor(engine string, instances []backend.Instance, prober Prober, log *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		engine:    engine,
		instances: append([]backend.Instance(nil), instances...),
		prober:    prober,
		log:       log.With(slog.String("component", "health-monitor"), slog.String("engine", engine)),
	}
	for _, opt := range opts {
		opt(m)
	}

	initial := &Status{healthy: make(map[string]bool, len(instances))}
	for _, inst := range instances {
		initial.healthy[inst.BaseURL] = false
	}
	m.status.Store(initial)

	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

func (m *Monitor) Instances() []backend.Instance {
	return append([]backend.Instance(nil), m.instances...)
}

func (m *Monitor) Snapshot() *Status {
	return m.status.Load()
}

// Probe checks one instance and records the outcome. Failures are recorded
// as unhealthy and never returned. A probe cut short by ctx leaves the
// previous status in place.
func (m *Monitor) Probe(ctx context.Context, inst backend.Instance) bool {
	err := m.prober.Probe(ctx, inst)
	if err != nil {
		if ctx.Err() != nil {
			m.log.Debug("probe interrupted", slog.String("instance", inst.BaseURL), slogError(err))
			return false
		}
		m.log.Debug("probe failed", slog.String("instance", inst.BaseURL), slogError(err))
	}
	healthy := err == nil
	m.record(inst.BaseURL, healthy)
	return healthy
}

// ProbeAll probes every instance in parallel and returns the resulting
// snapshot.
func (m *Monitor) ProbeAll(ctx context.Context) *Status {
	var g errgroup.Group
	for _, inst := range m.instances {
		g.Go(func() error {
			m.Probe(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()
	return m.Snapshot()
}

// MarkUnhealthy records url as down without probing it, used when another
// call against the instance has already failed.
func (m *Monitor) MarkUnhealthy(url string) {
	m.record(url, false)
}

// Run re-probes every instance each interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := m.ProbeAll(ctx)
			m.log.Debug("health cycle complete",
				slog.Int("healthy", status.HealthyCount()),
				slog.Int("instances", len(m.instances)),
				slog.Time("checked_at", status.CheckedAt))
		}
	}
}

func (m *Monitor) record(url string, healthy bool) {
	m.mu.Lock()
	prev := m.status.Load()
	changed := prev.healthy[url] != healthy
	next := &Status{healthy: make(map[string]bool, len(prev.healthy)+1), CheckedAt: time.Now().UTC()}
	for k, v := range prev.healthy {
		next.healthy[k] = v
	}
	next.healthy[url] = healthy
	m.status.Store(next)
	m.mu.Unlock()

	if !changed {
		return
	}
	if healthy {
		m.log.Info("instance healthy", slog.String("instance", url))
	} else {
		m.log.Warn("instance unhealthy", slog.String("instance", url))
	}
	if m.onChange != nil {
		m.onChange(url, healthy, next.CheckedAt)
	}
}

func (m *Monitor) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voicegate/health")
	gauge, err := meter.Int64ObservableGauge("voicegate.backends.healthy", metric.WithDescription("Healthy engine instances"))
	if err != nil {
		return err
	}
	total, err := meter.Int64ObservableGauge("voicegate.backends.configured", metric.WithDescription("Configured engine instances"))
	if err != nil {
		return err
	}
	attrs := metric.WithAttributes(attribute.String("engine", m.engine))
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(m.Snapshot().HealthyCount()), attrs)
		obs.ObserveInt64(total, int64(len(m.instances)), attrs)
		return nil
	}, gauge, total)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
