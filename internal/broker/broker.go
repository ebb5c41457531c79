// Package broker multiplexes render requests onto page sessions of a single
// shared browser and coordinates shutdown with the requests still running.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/url2image/internal/browser"
	"github.com/JakeFAU/url2image/internal/metrics"
	"github.com/JakeFAU/url2image/internal/policy/ratelimit"
	"github.com/JakeFAU/url2image/internal/render"
)

// HandleManager provides the shared browser handle. *browser.Manager
// implements it.
type HandleManager interface {
	Ensure(ctx context.Context) (browser.Handle, error)
	Close() error
}

// CaptureFunc renders one request on a handle.
type CaptureFunc func(ctx context.Context, h browser.Handle, req render.Request, logger *zap.Logger) ([]byte, error)

// Options tunes admission. The zero value admits everything.
type Options struct {
	// MaxParallel caps concurrent page sessions. Zero means unlimited.
	MaxParallel int
	// Limiter throttles renders per target host. Nil disables it.
	Limiter *ratelimit.Limiter
	// Capture defaults to browser.Capture.
	Capture CaptureFunc
	// Tracer defaults to the global OpenTelemetry tracer.
	Tracer trace.Tracer
}

const tracerName = "github.com/JakeFAU/url2image/internal/broker"

// Broker validates render requests, admits them, and runs each on its own
// page session.
type Broker struct {
	manager HandleManager
	logger  *zap.Logger
	capture CaptureFunc
	limiter *ratelimit.Limiter
	sem     chan struct{}
	tracer  trace.Tracer

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// New creates a Broker on top of manager.
func New(manager HandleManager, logger *zap.Logger, opts Options) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	capture := opts.Capture
	if capture == nil {
		capture = browser.Capture
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	var sem chan struct{}
	if opts.MaxParallel > 0 {
		sem = make(chan struct{}, opts.MaxParallel)
	}
	return &Broker{
		manager: manager,
		logger:  logger,
		capture: capture,
		limiter: opts.Limiter,
		sem:     sem,
		tracer:  tracer,
	}
}

// Render validates params and returns the captured image.
func (b *Broker) Render(ctx context.Context, params render.Params) (render.Result, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Render")
	defer span.End()

	start := time.Now()
	req, err := render.Normalize(params)
	if err != nil {
		metrics.ObserveRender("", render.Outcome(err), 0, time.Since(start))
		span.SetStatus(codes.Error, render.Outcome(err))
		return render.Result{}, err
	}
	format := string(req.Options.Format)
	logger := b.logger.With(zap.String("url", req.URL), zap.String("format", format))
	span.SetAttributes(
		attribute.String("render.format", format),
		attribute.String("render.host", metrics.SanitizeHost(req.URL)),
		attribute.Bool("render.full_page", req.Options.FullPage),
	)

	img, err := b.run(ctx, req, logger)
	duration := time.Since(start)
	metrics.ObserveRender(format, render.Outcome(err), len(img), duration)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, render.Outcome(err))
		logger.Warn("render failed",
			zap.String("outcome", render.Outcome(err)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return render.Result{}, err
	}

	span.SetAttributes(attribute.Int("render.bytes", len(img)))
	logger.Info("render complete",
		zap.Int("bytes", len(img)),
		zap.Duration("duration", duration),
	)
	return render.Result{Bytes: img, MIMEType: req.Options.Format.MIMEType()}, nil
}

func (b *Broker) run(ctx context.Context, req render.Request, logger *zap.Logger) ([]byte, error) {
	if !b.admit() {
		return nil, render.ErrClosed
	}
	defer b.inflight.Done()

	release, err := b.acquireSlot(ctx)
	if err != nil {
		return nil, render.Classify(render.ErrRender, err)
	}
	defer release()

	if err := b.limiter.Wait(ctx, req.URL); err != nil {
		return nil, render.Classify(render.ErrRender, err)
	}

	h, err := b.manager.Ensure(ctx)
	if err != nil {
		return nil, render.Classify(render.ErrLaunch, err)
	}

	metrics.IncInflight()
	defer metrics.DecInflight()
	return b.capture(ctx, h, req, logger)
}

func (b *Broker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.draining {
		return false
	}
	b.inflight.Add(1)
	return true
}

func (b *Broker) acquireSlot(ctx context.Context) (func(), error) {
	if b.sem == nil {
		return func() {}, nil
	}
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

// Accepting reports whether new renders are admitted.
func (b *Broker) Accepting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.draining
}

// DrainAndClose stops admitting renders, waits for the admitted ones to
// finish, and closes the browser handle. If ctx ends first the handle is
// closed anyway and ctx.Err() is returned.
func (b *Broker) DrainAndClose(ctx context.Context) error {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()

	b.logger.Info("draining in-flight renders")
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("drain renders: %w", ctx.Err())
		b.logger.Warn("drain interrupted, closing browser with renders in flight", zap.Error(ctx.Err()))
	}

	if err := b.manager.Close(); err != nil {
		b.logger.Error("close browser", zap.Error(err))
		if waitErr == nil {
			return fmt.Errorf("close browser: %w", err)
		}
	}
	b.logger.Info("renderer closed")
	return waitErr
}
