// Package render defines render requests, their validation, and the error
// classes reported by the rendering pipeline.
package render

import (
	"strings"
	"time"
)

// Format is the image encoding produced by a capture.
type Format string

// Supported capture formats.
const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// MIMEType returns the Content-Type for the format.
func (f Format) MIMEType() string {
	return "image/" + string(f)
}

// Defaults applied to unset options.
const (
	DefaultWidth             = 1920
	DefaultHeight            = 1080
	DefaultDeviceScaleFactor = 1.0
	DefaultTimeout           = 30 * time.Second
	DefaultFormat            = FormatPNG
	DefaultJPEGQuality       = 80
)

// Upper bounds on what a single request may ask the browser for.
const (
	MaxDimension         = 16384
	MaxDeviceScaleFactor = 10.0
	MaxTimeout           = 5 * time.Minute
)

// Params is the caller-supplied render request before validation. Option
// fields are pointers so that "unset" can be told apart from a value.
type Params struct {
	URL               string   `json:"url"`
	Width             *int     `json:"width,omitempty"`
	Height            *int     `json:"height,omitempty"`
	DeviceScaleFactor *float64 `json:"deviceScaleFactor,omitempty"`
	TimeoutMs         *int     `json:"timeoutMs,omitempty"`
	Timeout           *int     `json:"timeout,omitempty"`
	Format            *string  `json:"format,omitempty"`
	FullPage          *bool    `json:"fullPage,omitempty"`
	Quality           *int     `json:"quality,omitempty"`
}

// Options are the normalized screenshot settings.
type Options struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
	Timeout           time.Duration
	Format            Format
	FullPage          bool
	// Quality is only set for FormatJPEG.
	Quality int
}

// Request is a validated render request.
type Request struct {
	URL     string
	Options Options
}

// Result is the encoded image returned to the caller.
type Result struct {
	Bytes    []byte
	MIMEType string
}

// Normalize validates p and fills in defaults. A zero numeric value counts as
// unset.
func Normalize(p Params) (Request, error) {
	url := strings.TrimSpace(p.URL)
	if url == "" {
		return Request{}, invalid("url", "URL is required")
	}

	opts := Options{
		Width:             DefaultWidth,
		Height:            DefaultHeight,
		DeviceScaleFactor: DefaultDeviceScaleFactor,
		Timeout:           DefaultTimeout,
		Format:            DefaultFormat,
	}

	var err error
	if opts.Width, err = dimension("width", p.Width, DefaultWidth); err != nil {
		return Request{}, err
	}
	if opts.Height, err = dimension("height", p.Height, DefaultHeight); err != nil {
		return Request{}, err
	}

	if v := p.DeviceScaleFactor; v != nil && *v != 0 {
		if *v < 0 || *v > MaxDeviceScaleFactor {
			return Request{}, invalid("deviceScaleFactor",
				"deviceScaleFactor must be between 0 and %g", MaxDeviceScaleFactor)
		}
		opts.DeviceScaleFactor = *v
	}

	timeoutMs := p.TimeoutMs
	if timeoutMs == nil || *timeoutMs == 0 {
		timeoutMs = p.Timeout
	}
	if timeoutMs != nil && *timeoutMs != 0 {
		if *timeoutMs < 0 || int64(*timeoutMs) > MaxTimeout.Milliseconds() {
			return Request{}, invalid("timeoutMs",
				"timeoutMs must be between 1 and %d", MaxTimeout.Milliseconds())
		}
		opts.Timeout = time.Duration(*timeoutMs) * time.Millisecond
	}

	if p.Format != nil && strings.TrimSpace(*p.Format) != "" {
		switch f := Format(strings.ToLower(strings.TrimSpace(*p.Format))); f {
		case FormatPNG, FormatJPEG:
			opts.Format = f
		default:
			return Request{}, invalid("format", "format must be one of png, jpeg")
		}
	}

	if p.FullPage != nil {
		opts.FullPage = *p.FullPage
	}

	if opts.Format == FormatJPEG {
		opts.Quality = DefaultJPEGQuality
		if q := p.Quality; q != nil && *q != 0 {
			if *q < 1 || *q > 100 {
				return Request{}, invalid("quality", "quality must be between 1 and 100")
			}
			opts.Quality = *q
		}
	}

	return Request{URL: url, Options: opts}, nil
}

func dimension(field string, v *int, def int) (int, error) {
	if v == nil || *v == 0 {
		return def, nil
	}
	if *v < 0 || *v > MaxDimension {
		return 0, invalid(field, "%s must be between 1 and %d", field, MaxDimension)
	}
	return *v, nil
}
