package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type fakeLauncher struct {
	launches atomic.Int32
	gate     chan struct{}
	err      error
	browser  *fakeBrowser
}

func (l *fakeLauncher) Launch(_ context.Context) (Browser, error) {
	l.launches.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	if l.browser != nil {
		return l.browser, nil
	}
	return &fakeBrowser{}, nil
}

type fakeBrowser struct {
	mu      sync.Mutex
	pages   []*fakePage
	closes  int
	pageErr error
	newPage func() *fakePage
}

func (b *fakeBrowser) NewPage(_ context.Context) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	p := &fakePage{}
	if b.newPage != nil {
		p = b.newPage()
	}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *fakeBrowser) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

type fakePage struct {
	mu sync.Mutex

	viewportErr   error
	navigateErr   error
	screenshotErr error
	closeErr      error
	panicOnShot   bool
	blockNavigate bool

	width, height int
	scale         float64
	url           string
	shot          ScreenshotOptions
	closes        int
}

func (p *fakePage) SetViewport(_ context.Context, width, height int, scale float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.width, p.height, p.scale = width, height, scale
	return p.viewportErr
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	block, err := p.blockNavigate, p.navigateErr
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *fakePage) Screenshot(_ context.Context, opts ScreenshotOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shot = opts
	if p.panicOnShot {
		panic("screenshot exploded")
	}
	if p.screenshotErr != nil {
		return nil, p.screenshotErr
	}
	return []byte("image:" + string(opts.Format)), nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return p.closeErr
}

func (p *fakePage) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

var errBoom = errors.New("boom")
