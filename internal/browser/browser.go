// Package browser owns the shared headless browser process and the page
// sessions opened against it.
package browser

import (
	"context"

	"github.com/JakeFAU/url2image/internal/render"
)

// Launcher starts a browser process.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Handle is the view of a running browser that sessions may use. It cannot
// terminate the process; only the Manager can.
type Handle interface {
	NewPage(ctx context.Context) (Page, error)
}

// Browser is a running browser process.
type Browser interface {
	Handle
	Close() error
}

// Page is one isolated browsing context within a Browser.
type Page interface {
	SetViewport(ctx context.Context, width, height int, scale float64) error
	// Navigate loads url and returns once the main document's network is idle.
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	Close() error
}

// ScreenshotOptions controls image capture.
type ScreenshotOptions struct {
	Format   render.Format
	Quality  int
	FullPage bool
}
