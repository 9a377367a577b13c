// Package dispatch routes synthesis requests to a healthy engine instance,
// applies the single fallback retry and hands the audio to the transcoder.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
	"github.com/loqalabs/loqa-voicegate/internal/health"
	"github.com/loqalabs/loqa-voicegate/internal/shard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// HealthSource exposes the configured instances and their current health.
type HealthSource interface {
	Instances() []backend.Instance
	Snapshot() *health.Status
}

type Transcoder interface {
	Transcode(ctx context.Context, raw []byte) ([]byte, error)
	ContentType() string
}

// Recorder persists one audit row per dispatch.
type Recorder interface {
	RecordDispatch(ctx context.Context, d eventstore.Dispatch) error
}

type Options struct {
	Engine     string
	Family     backend.Family
	Client     *backend.Client
	Health     HealthSource
	Shards     *shard.Table
	Fallback   backend.Fallback
	Paths      backend.Paths
	Transcoder Transcoder
	Recorder   Recorder
}

// Result is a successfully served request.
type Result struct {
	ID          string
	Audio       []byte
	ContentType string
	EngineURL   string
	StyleID     int
	Attempts    int
}

type Dispatcher struct {
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func New(opts Options, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		opts:   opts,
		log:    log.With(slog.String("component", "dispatcher"), slog.String("engine", opts.Engine)),
		tracer: otel.Tracer("github.com/loqalabs/loqa-voicegate/dispatch"),
	}
	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

// Dispatch validates req, synthesizes it on the selected instance with at
// most one fallback retry, and transcodes the audio.
func (d *Dispatcher) Dispatch(ctx context.Context, req backend.SynthesisRequest) (res Result, err error) {
	res.ID = uuid.NewString()
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "voicegate.dispatch", trace.WithAttributes(
		attribute.String("voicegate.engine", d.opts.Engine),
		attribute.String("voicegate.dispatch_id", res.ID),
	))
	defer func() {
		outcome := Outcome(err)
		span.SetAttributes(
			attribute.String("voicegate.outcome", outcome),
			attribute.Int("voicegate.attempts", res.Attempts),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		d.finish(ctx, req, res, err, start)
	}()

	if err = req.ValidateFor(d.opts.Family); err != nil {
		return res, err
	}
	call := req.Call()
	res.StyleID = call.StyleID

	target, ok := d.route(call.StyleID)
	if !ok {
		return res, ErrNoBackend
	}
	span.SetAttributes(attribute.String("voicegate.instance", target.BaseURL))

	audio, err := d.attempt(ctx, target, call, 1)
	res.Attempts = 1
	res.EngineURL = target.BaseURL
	if err != nil {
		d.log.Warn("synthesis failed; retrying with fallback voice",
			slog.String("dispatch_id", res.ID),
			slog.String("instance", target.BaseURL),
			slog.Int("style_id", call.StyleID),
			slogError(err))

		call = d.opts.Family.Retarget(call, d.opts.Fallback)
		retry := d.fallbackInstance(target)
		res.Attempts = 2
		res.EngineURL = retry.BaseURL
		res.StyleID = call.StyleID

		audio, err = d.attempt(ctx, retry, call, 2)
		if err != nil {
			d.log.Error("fallback synthesis failed",
				slog.String("dispatch_id", res.ID),
				slog.String("instance", retry.BaseURL),
				slog.Int("style_id", call.StyleID),
				slogError(err))
			return res, newUpstreamError(err)
		}
	}

	encoded, err := d.opts.Transcoder.Transcode(ctx, audio)
	if err != nil {
		return res, &TranscodeError{Err: err}
	}
	res.Audio = encoded
	res.ContentType = d.opts.Transcoder.ContentType()
	return res, nil
}

// route picks the first healthy instance, overridden by the shard that holds
// styleID when that shard's instance is healthy.
func (d *Dispatcher) route(styleID int) (backend.Instance, bool) {
	status := d.opts.Health.Snapshot()
	instances := d.opts.Health.Instances()
	healthy := status.Filter(instances)
	if len(healthy) == 0 {
		return backend.Instance{}, false
	}
	target := healthy[0]

	if url, ok := d.opts.Shards.Load().Lookup(styleID); ok && status.Healthy(url) {
		for _, inst := range instances {
			if inst.BaseURL == url {
				target = inst
				break
			}
		}
	}
	return target, true
}

// fallbackInstance is the configured fallback engine, or the failed instance
// itself when none is configured.
func (d *Dispatcher) fallbackInstance(failed backend.Instance) backend.Instance {
	if d.opts.Fallback.EngineURL == "" {
		return failed
	}
	return backend.Instance{BaseURL: d.opts.Fallback.EngineURL, Paths: d.opts.Paths}
}

func (d *Dispatcher) attempt(ctx context.Context, inst backend.Instance, call backend.Call, n int) ([]byte, error) {
	ctx, span := d.tracer.Start(ctx, "voicegate.synthesize", trace.WithAttributes(
		attribute.String("voicegate.instance", inst.BaseURL),
		attribute.Int("voicegate.style_id", call.StyleID),
		attribute.Int("voicegate.attempt", n),
		attribute.String("voicegate.family", d.opts.Family.Name()),
	))
	defer span.End()

	audio, err := d.opts.Family.Synthesize(ctx, d.opts.Client, inst, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
	}
	return audio, err
}

func (d *Dispatcher) finish(ctx context.Context, req backend.SynthesisRequest, res Result, err error, start time.Time) {
	elapsed := time.Since(start)
	outcome := Outcome(err)
	ctx = context.WithoutCancel(ctx)

	if d.requests != nil {
		attrs := metric.WithAttributes(attribute.String("engine", d.opts.Engine), attribute.String("outcome", outcome))
		d.requests.Add(ctx, 1, attrs)
		d.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}

	if d.opts.Recorder == nil {
		return
	}
	requested := 0
	if req.Speaker != nil {
		requested = *req.Speaker
	}
	record := eventstore.Dispatch{
		ID:             res.ID,
		Engine:         d.opts.Engine,
		RequestedStyle: requested,
		ServedStyle:    res.StyleID,
		EngineURL:      res.EngineURL,
		Attempts:       res.Attempts,
		Outcome:        outcome,
		StatusCode:     StatusCode(err),
		LatencyMS:      elapsed.Milliseconds(),
	}
	if recErr := d.opts.Recorder.RecordDispatch(ctx, record); recErr != nil {
		d.log.Warn("failed to record dispatch", slog.String("dispatch_id", res.ID), slogError(recErr))
	}
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voicegate/dispatch")
	requests, err := meter.Int64Counter("voicegate.dispatch.requests", metric.WithDescription("Synthesis dispatches by outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("voicegate.dispatch.duration", metric.WithDescription("End-to-end dispatch latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	d.requests = requests
	d.duration = duration
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
