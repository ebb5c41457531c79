// Package server builds the application from configuration and runs it until
// a shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/url2image/internal/api"
	"github.com/JakeFAU/url2image/internal/broker"
	"github.com/JakeFAU/url2image/internal/browser"
	"github.com/JakeFAU/url2image/internal/config"
	"github.com/JakeFAU/url2image/internal/hash/sha256"
	"github.com/JakeFAU/url2image/internal/id/uuid"
	"github.com/JakeFAU/url2image/internal/policy/ratelimit"
	"github.com/JakeFAU/url2image/internal/telemetry"
)

const tracerName = "github.com/JakeFAU/url2image"

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	manager   *browser.Manager
	broker    *broker.Broker
	apiServer *api.Server
	tracer    *sdktrace.TracerProvider

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Build.
type Option func(*options)

type options struct {
	launcher  browser.Launcher
	traceOpts []sdktrace.TracerProviderOption
}

// WithLauncher replaces the chromedp launcher.
func WithLauncher(l browser.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithTracerOptions adds options such as span exporters to the tracer provider.
func WithTracerOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(o *options) { o.traceOpts = append(o.traceOpts, opts...) }
}

// Build creates the application's dependencies. The browser is not started
// until the first render needs it.
func Build(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.launcher == nil {
		o.launcher = browser.NewChromedpLauncher(browser.LaunchConfig{
			ExecPath:  cfg.Browser.ExecPath,
			Headless:  cfg.Browser.Headless,
			UserAgent: cfg.Browser.UserAgent,
		}, logger.Named("browser"))
	}

	tp, err := telemetry.InitTracerProvider(context.Background(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.Version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	}, o.traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.Render.HostRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Render.HostRPS,
			DefaultBurst: cfg.Render.HostBurst,
			MaxHosts:     cfg.Render.MaxHosts,
		})
	}

	manager := browser.NewManager(o.launcher, logger.Named("browser"))
	b := broker.New(manager, logger.Named("broker"), broker.Options{
		MaxParallel: cfg.Render.MaxParallel,
		Limiter:     limiter,
		Tracer:      tp.Tracer(tracerName),
	})
	apiServer := api.NewServer(b, uuid.New(), api.Config{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		TracerProvider: tp,
		Tagger:         sha256.New(),
	}, logger.Named("api"))

	logger.Info("application built",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("headless", cfg.Browser.Headless),
		zap.Int("max_parallel", cfg.Render.MaxParallel),
		zap.Float64("host_rps", cfg.Render.HostRPS),
	)
	return &App{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		broker:    b,
		apiServer: apiServer,
		tracer:    tp,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured port and blocks until SIGINT, SIGTERM, or ctx
// cancellation, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln. On shutdown the listener is closed first,
// in-flight requests finish, and only then is the browser closed.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout(),
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := withOptionalTimeout(a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close()
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	return closeErr
}

// Close drains in-flight renders, terminates the browser, and flushes
// pending spans. It is safe to call more than once.
func (a *App) Close() error {
	drainCtx, cancel := withOptionalTimeout(a.cfg.DrainTimeout())
	defer cancel()
	if err := a.broker.DrainAndClose(drainCtx); err != nil {
		a.logger.Warn("renderer shutdown incomplete", zap.Error(err))
		_ = a.shutdownTracing()
		return fmt.Errorf("close renderer: %w", err)
	}
	if err := a.shutdownTracing(); err != nil {
		a.logger.Warn("tracer shutdown failed", zap.Error(err))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) shutdownTracing() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.closeErr = fmt.Errorf("shutdown tracer: %w", err)
		}
	})
	return a.closeErr
}

func withOptionalTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d)
}
