package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/url2image/internal/render"
)

// NavigationError is a failed page load reported by the browser, such as
// net::ERR_NAME_NOT_RESOLVED.
type NavigationError struct {
	Text string
}

func (e *NavigationError) Error() string {
	return "page load error " + e.Text
}

// Network reports whether the failure happened at the network layer.
func (e *NavigationError) Network() bool {
	return strings.HasPrefix(e.Text, "net::")
}

// Capture renders req.URL in a fresh page on h and returns the encoded image.
// The page is closed exactly once on every path out of Capture.
func Capture(ctx context.Context, h Handle, req render.Request, logger *zap.Logger) (_ []byte, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	page, err := h.NewPage(ctx)
	if err != nil {
		return nil, render.Classify(render.ErrRender, fmt.Errorf("open page: %w", err))
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			logger.Debug("page close failed", zap.String("url", req.URL), zap.Error(cerr))
		}
	}()

	opts := req.Options
	if err := page.SetViewport(ctx, opts.Width, opts.Height, opts.DeviceScaleFactor); err != nil {
		return nil, render.Classify(render.ErrRender, fmt.Errorf("set viewport: %w", err))
	}

	if err := navigate(ctx, page, req); err != nil {
		return nil, err
	}

	img, err := page.Screenshot(ctx, ScreenshotOptions{
		Format:   opts.Format,
		Quality:  opts.Quality,
		FullPage: opts.FullPage,
	})
	if err != nil {
		return nil, render.Classify(render.ErrRender, fmt.Errorf("capture screenshot: %w", err))
	}
	return img, nil
}

func navigate(ctx context.Context, page Page, req render.Request) error {
	navCtx, cancel := context.WithTimeout(ctx, req.Options.Timeout)
	defer cancel()

	err := page.Navigate(navCtx, req.URL)
	if err == nil {
		return nil
	}
	err = fmt.Errorf("navigate %s: %w", req.URL, err)

	var navErr *NavigationError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return render.Classify(render.ErrTimeout, err)
	case errors.As(err, &navErr) && navErr.Network():
		return render.Classify(render.ErrNetwork, err)
	default:
		return render.Classify(render.ErrRender, err)
	}
}
