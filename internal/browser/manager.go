package browser

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/url2image/internal/metrics"
	"github.com/JakeFAU/url2image/internal/render"
)

const launchKey = "browser"

// Manager owns the single shared browser process. The process is started
// lazily by Ensure and terminated by Close; once closed it is never restarted.
type Manager struct {
	launcher Launcher
	logger   *zap.Logger
	group    singleflight.Group

	mu       sync.Mutex
	browser  Browser
	closed   bool
	launches int
}

// NewManager creates a Manager that starts browsers with launcher.
func NewManager(launcher Launcher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		launcher: launcher,
		logger:   logger,
	}
}

// Ensure returns the running browser, starting it if needed. Concurrent
// callers that find no browser share the outcome of a single launch.
func (m *Manager) Ensure(ctx context.Context) (Handle, error) {
	if b, err := m.current(); b != nil || err != nil {
		return b, err
	}

	ch := m.group.DoChan(launchKey, func() (any, error) {
		return m.launch(ctx)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// The launch keeps going for the other waiters. Giving up is the
		// caller's outcome, not a launch failure.
		return nil, render.Classify(render.ErrRender, fmt.Errorf("wait for browser launch: %w", ctx.Err()))
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		m.logger.Debug("joined in-flight browser launch")
	}
	b, ok := res.Val.(Browser)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected launch result %T", render.ErrLaunch, res.Val)
	}
	return b, nil
}

func (m *Manager) current() (Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, render.ErrClosed
	}
	return m.browser, nil
}

func (m *Manager) launch(ctx context.Context) (Browser, error) {
	// A launch that finished between current() and Do is reused.
	if b, err := m.current(); b != nil || err != nil {
		return b, err
	}

	m.logger.Info("launching browser")
	// The process outlives the request that happened to trigger it.
	b, err := m.launcher.Launch(context.WithoutCancel(ctx))
	if err != nil {
		metrics.ObserveBrowserLaunch("error")
		m.logger.Error("browser launch failed", zap.Error(err))
		return nil, render.Classify(render.ErrLaunch, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		if cerr := b.Close(); cerr != nil {
			m.logger.Warn("close browser launched during shutdown", zap.Error(cerr))
		}
		return nil, render.ErrClosed
	}
	m.browser = b
	m.launches++
	metrics.ObserveBrowserLaunch("success")
	metrics.SetBrowserRunning(true)
	m.logger.Info("browser ready", zap.Int("launches", m.launches))
	return b, nil
}

// Close terminates the browser if one is running. It is safe to call more
// than once; every Ensure after Close fails with render.ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	b := m.browser
	m.browser = nil
	m.closed = true
	m.mu.Unlock()

	if b == nil {
		return nil
	}
	m.logger.Info("closing browser")
	metrics.SetBrowserRunning(false)
	if err := b.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Launches returns how many browsers have been started successfully.
func (m *Manager) Launches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launches
}

// Running reports whether a browser is currently up.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}
