package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/url2image/internal/render"
)

// LaunchConfig controls how the browser process is started.
type LaunchConfig struct {
	// ExecPath overrides the browser binary. Empty means chromedp looks up
	// the platform default.
	ExecPath  string
	Headless  bool
	UserAgent string
}

// ChromedpLauncher starts headless Chrome through chromedp.
type ChromedpLauncher struct {
	cfg    LaunchConfig
	logger *zap.Logger
}

// NewChromedpLauncher creates a Launcher backed by chromedp.
func NewChromedpLauncher(cfg LaunchConfig, logger *zap.Logger) *ChromedpLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromedpLauncher{cfg: cfg, logger: logger}
}

func (l *ChromedpLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	// Sandbox flags are off so the browser can run as root inside containers.
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	return opts
}

// Launch starts a browser process and waits until it accepts commands. The
// process is bound to its own context, not to ctx.
func (l *ChromedpLauncher) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch canceled: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(l.logger.Sugar().Errorf),
	)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	l.logger.Debug("browser process started", zap.String("exec_path", l.cfg.ExecPath))
	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
	}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger

	once     sync.Once
	closeErr error
}

// NewPage opens a new tab with lifecycle events enabled.
func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	if err := b.ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser closed: %w", err)
	}

	tabCtx, cancel := chromedp.NewContext(b.ctx)
	p := &chromePage{
		ctx:       tabCtx,
		cancel:    cancel,
		lifecycle: newLifecycleWatcher(),
	}
	chromedp.ListenTarget(tabCtx, p.lifecycle.observe)

	// The first Run creates the target; it must use the tab context itself so
	// the target is not tied to a shorter-lived request context.
	if err := chromedp.Run(tabCtx, page.SetLifecycleEventsEnabled(true)); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		p.lifecycle.setMainFrame(cdp.FrameID(c.Target.TargetID))
	}
	return p, nil
}

// Close shuts the browser down gracefully and releases the allocator.
func (b *chromeBrowser) Close() error {
	b.once.Do(func() {
		if err := chromedp.Cancel(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.closeErr = fmt.Errorf("cancel browser: %w", err)
		}
		b.cancel()
		b.allocCancel()
	})
	return b.closeErr
}

type chromePage struct {
	ctx       context.Context
	cancel    context.CancelFunc
	lifecycle *lifecycleWatcher

	once     sync.Once
	closeErr error
}

func (p *chromePage) SetViewport(ctx context.Context, width, height int, scale float64) error {
	runCtx, done := p.bind(ctx)
	defer done()
	if err := chromedp.Run(runCtx,
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), scale, false),
	); err != nil {
		return fmt.Errorf("set device metrics: %w", err)
	}
	return nil
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	runCtx, done := p.bind(ctx)
	defer done()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return toNavigationError(err)
	}
	return p.lifecycle.waitNetworkIdle(runCtx)
}

func (p *chromePage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	runCtx, done := p.bind(ctx)
	defer done()

	var buf []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().WithFromSurface(true)
		if opts.Format == render.FormatJPEG {
			params = params.
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(opts.Quality))
		} else {
			params = params.WithFormat(page.CaptureScreenshotFormatPng)
		}
		if opts.FullPage {
			_, _, _, _, _, content, err := page.GetLayoutMetrics().Do(ctx)
			if err != nil {
				return fmt.Errorf("get layout metrics: %w", err)
			}
			if content == nil {
				return errors.New("get layout metrics: no content size")
			}
			params = params.
				WithCaptureBeyondViewport(true).
				WithClip(&page.Viewport{
					X:      0,
					Y:      0,
					Width:  math.Ceil(content.Width),
					Height: math.Ceil(content.Height),
					Scale:  1,
				})
		}
		data, err := params.Do(ctx)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// Close closes the tab. Only the first call does any work.
func (p *chromePage) Close() error {
	p.once.Do(func() {
		if err := chromedp.Cancel(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.closeErr = fmt.Errorf("close tab: %w", err)
		}
		p.cancel()
	})
	return p.closeErr
}

// bind derives a context from the tab that also ends when ctx ends, carrying
// ctx's deadline so timeouts surface as context.DeadlineExceeded.
func (p *chromePage) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		parentCancel := cancel
		cancel = func() {
			cancelDeadline()
			parentCancel()
		}
	}
	stop := forwardCancel(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func toNavigationError(err error) error {
	const prefix = "page load error "
	msg := err.Error()
	if i := strings.Index(msg, prefix); i >= 0 {
		return &NavigationError{Text: strings.TrimSpace(msg[i+len(prefix):])}
	}
	return err
}

// lifecycleWatcher tracks the main frame's current document and whether the
// browser has reported it network-idle.
type lifecycleWatcher struct {
	mu        sync.Mutex
	mainFrame cdp.FrameID
	loader    cdp.LoaderID
	idle      bool
	notify    chan struct{}
}

func newLifecycleWatcher() *lifecycleWatcher {
	return &lifecycleWatcher{notify: make(chan struct{}, 1)}
}

func (w *lifecycleWatcher) setMainFrame(id cdp.FrameID) {
	w.mu.Lock()
	w.mainFrame = id
	w.mu.Unlock()
}

func (w *lifecycleWatcher) observe(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mainFrame != "" && e.FrameID != w.mainFrame {
		return
	}
	switch e.Name {
	case "init":
		w.loader = e.LoaderID
		w.idle = false
	case "networkIdle":
		if e.LoaderID != w.loader {
			return
		}
		w.idle = true
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (w *lifecycleWatcher) isIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idle
}

func (w *lifecycleWatcher) waitNetworkIdle(ctx context.Context) error {
	for !w.isIdle() {
		select {
		case <-w.notify:
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		}
	}
	return nil
}
