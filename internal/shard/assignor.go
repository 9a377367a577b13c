package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"github.com/loqalabs/loqa-voicegate/internal/health"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// RosterFetcher downloads the roster of one instance.
type RosterFetcher interface {
	FetchRoster(ctx context.Context, family backend.Family, inst backend.Instance) ([]backend.Speaker, error)
}

// Result is the outcome of one computation. Warnings describe degraded
// conditions that did not prevent a map from being produced.
type Result struct {
	Map      *Map
	Warnings []string
}

// Assignor owns the shard table of one engine.
type Assignor struct {
	engine  string
	family  backend.Family
	monitor *health.Monitor
	fetcher RosterFetcher
	count   int
	table   *Table
	log     *slog.Logger

	// serializes computations so the table has a single writer
	mu         sync.Mutex
	recomputes metric.Int64Counter
}

func NewAssignor(engine string, family backend.Family, monitor *health.Monitor, fetcher RosterFetcher, count int, log *slog.Logger) *Assignor {
	a := &Assignor{
		engine:  engine,
		family:  family,
		monitor: monitor,
		fetcher: fetcher,
		count:   count,
		table:   NewTable(),
		log:     log.With(slog.String("component", "shard-assignor"), slog.String("engine", engine)),
	}
	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slogError(err))
	}
	return a
}

func (a *Assignor) Table() *Table {
	return a.table
}

// Compute probes every instance in parallel, fetches the roster of each
// healthy one, merges them by style id and replaces the table with the new
// partition. When two instances expose the same style id the one that
// finishes last wins. An interrupted computation leaves the table untouched.
func (a *Assignor) Compute(ctx context.Context) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	instances := a.monitor.Instances()
	if len(instances) == 0 {
		warning := fmt.Sprintf("engine %s has no configured instances; no voices are routable", a.engine)
		a.log.Warn(warning)
		m := Partition(nil, nil, a.count)
		a.table.Store(m)
		return Result{Map: m, Warnings: []string{warning}}
	}

	var (
		mergeMu  sync.Mutex
		merged   = make(map[int]Style)
		warnings []string
	)
	var g errgroup.Group
	for _, inst := range instances {
		g.Go(func() error {
			if !a.monitor.Probe(ctx, inst) {
				return nil
			}
			speakers, err := a.fetcher.FetchRoster(ctx, a.family, inst)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			if err != nil {
				a.log.Warn("roster fetch failed", slog.String("instance", inst.BaseURL), slogError(err))
				a.monitor.MarkUnhealthy(inst.BaseURL)
				mergeMu.Lock()
				warnings = append(warnings, fmt.Sprintf("roster fetch from %s failed", inst.BaseURL))
				mergeMu.Unlock()
				return nil
			}

			mergeMu.Lock()
			defer mergeMu.Unlock()
			for _, sp := range speakers {
				for _, st := range sp.Styles {
					merged[st.ID] = Style{
						StyleID:     st.ID,
						StyleName:   st.Name,
						SpeakerUUID: sp.UUID,
						SpeakerName: sp.Name,
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		prev := a.table.Load()
		warning := fmt.Sprintf("shard computation for %s interrupted; keeping the previous map", a.engine)
		a.log.Warn(warning, slogError(err))
		return Result{Map: prev, Warnings: append(warnings, warning)}
	}

	styles := make([]Style, 0, len(merged))
	for _, st := range merged {
		styles = append(styles, st)
	}
	urls := make([]string, 0, len(instances))
	for _, inst := range instances {
		urls = append(urls, inst.BaseURL)
	}

	m := Partition(styles, urls, a.count)
	a.table.Store(m)
	if a.recomputes != nil {
		a.recomputes.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", a.engine)))
	}
	a.log.Info("shard map computed",
		slog.Int("styles", m.StyleCount()),
		slog.Int("shards", m.Len()),
		slog.Int("warnings", len(warnings)),
		slog.Time("computed_at", m.ComputedAt))
	return Result{Map: m, Warnings: warnings}
}

func (a *Assignor) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voicegate/shard")
	counter, err := meter.Int64Counter("voicegate.shards.recomputes", metric.WithDescription("Shard map computations"))
	if err != nil {
		return err
	}
	a.recomputes = counter

	gauge, err := meter.Int64ObservableGauge("voicegate.shards.styles", metric.WithDescription("Styles known to the current shard map"))
	if err != nil {
		return err
	}
	attrs := metric.WithAttributes(attribute.String("engine", a.engine))
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(a.table.Load().StyleCount()), attrs)
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
