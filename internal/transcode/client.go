package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-voicegate/internal/config"
	"github.com/mattn/go-shellwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type runFunc func(ctx context.Context, tool Tool, raw []byte) ([]byte, error)

type workerResult struct {
	out []byte
	err error
}

// worker owns one tool run. It is started per call and never reused.
type worker struct {
	cancel context.CancelFunc
	result chan workerResult
	done   chan struct{}
}

func spawn(parent context.Context, run runFunc, tool Tool, raw []byte) *worker {
	ctx, cancel := context.WithCancel(parent)
	w := &worker{
		cancel: cancel,
		result: make(chan workerResult, 1),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		w.result <- w.exec(ctx, run, tool, raw)
	}()
	return w
}

func (w *worker) exec(ctx context.Context, run runFunc, tool Tool, raw []byte) (res workerResult) {
	defer func() {
		if r := recover(); r != nil {
			res = workerResult{err: fmt.Errorf("%w: %v", ErrWorkerAbnormal, r)}
		}
	}()
	out, err := run(ctx, tool, raw)
	return workerResult{out: out, err: err}
}

// terminate kills the tool process if it is still running and waits for the
// worker goroutine to exit.
func (w *worker) terminate() {
	w.cancel()
	<-w.done
}

// Client hands buffers to a fresh worker per call.
type Client struct {
	tool        Tool
	contentType string
	timeout     time.Duration
	sem         chan struct{}
	active      atomic.Int64
	run         runFunc
	log         *slog.Logger

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func NewClient(cfg config.TranscoderConfig, timeout time.Duration, log *slog.Logger) (*Client, error) {
	args, err := shellwords.NewParser().Parse(cfg.Args)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder args: %w", err)
	}
	c := &Client{
		tool:        Tool{Path: cfg.Path, Args: args},
		contentType: cfg.ContentType,
		timeout:     timeout,
		run:         runTool,
		log:         log.With(slog.String("component", "transcode")),
	}
	if resolved, err := exec.LookPath(cfg.Path); err == nil {
		c.tool.Path = resolved
	} else {
		c.log.Warn("transcoder not found; calls will fail until it is installed", slog.String("path", cfg.Path), slogError(err))
	}
	if cfg.MaxConcurrency > 0 {
		c.sem = make(chan struct{}, cfg.MaxConcurrency)
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c, nil
}

// ContentType is the media type of encoded output.
func (c *Client) ContentType() string {
	return c.contentType
}

// Tool returns the resolved tool invocation.
func (c *Client) Tool() Tool {
	return Tool{Path: c.tool.Path, Args: append([]string(nil), c.tool.Args...)}
}

// Active reports the number of workers currently alive.
func (c *Client) Active() int64 {
	return c.active.Load()
}

// Transcode encodes raw on a dedicated worker. The worker is terminated
// before Transcode returns, whatever the outcome.
func (c *Client) Transcode(ctx context.Context, raw []byte) ([]byte, error) {
	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for transcode slot: %w", ctx.Err())
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	c.active.Add(1)
	w := spawn(ctx, c.run, c.tool, raw)
	defer func() {
		w.terminate()
		c.active.Add(-1)
	}()

	var res workerResult
	select {
	case res = <-w.result:
	case <-ctx.Done():
		res = workerResult{err: fmt.Errorf("transcode: %w", ctx.Err())}
	}

	c.observe(ctx, start, res.err)
	if res.err != nil {
		c.log.Warn("transcode failed", slog.String("input", humanize.Bytes(uint64(len(raw)))), slogError(res.err))
		return nil, res.err
	}
	c.log.Debug("transcode complete",
		slog.String("input", humanize.Bytes(uint64(len(raw)))),
		slog.String("output", humanize.Bytes(uint64(len(res.out)))),
		slog.Duration("elapsed", time.Since(start)))
	return res.out, nil
}

func (c *Client) observe(ctx context.Context, start time.Time, err error) {
	if c.calls == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedInput):
		outcome = "malformed"
	case errors.Is(err, ErrWorkerAbnormal):
		outcome = "abnormal"
	default:
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	c.calls.Add(context.WithoutCancel(ctx), 1, attrs)
	c.duration.Record(context.WithoutCancel(ctx), float64(time.Since(start).Milliseconds()), attrs)
}

func (c *Client) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voicegate/transcode")
	calls, err := meter.Int64Counter("voicegate.transcode.calls", metric.WithDescription("Transcode calls by outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("voicegate.transcode.duration", metric.WithDescription("Transcode latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	active, err := meter.Int64ObservableGauge("voicegate.transcode.active_workers", metric.WithDescription("Transcode workers currently running"))
	if err != nil {
		return err
	}
	c.calls = calls
	c.duration = duration
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, c.Active())
		return nil
	}, active)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
