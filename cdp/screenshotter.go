package cdp

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"

	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/storage"
)

// Image formats the protocol can encode.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// defaultJPEGQuality applies when a jpeg capture names none.
const defaultJPEGQuality = 80

// ScreenshotOptions shape one capture. A nil Clip captures the visual
// viewport; Path, when set, persists the image through the persister
// as well as returning it.
type ScreenshotOptions struct {
	Format         string
	Quality        int64
	Clip           *dom.Rect
	OmitBackground bool
	Path           string
}

// Screenshotter captures page images over the protocol. The context
// passed to Take selects the page through its session routing.
type Screenshotter struct {
	client    *Client
	persister storage.FilePersister
	logger    *log.Logger
}

// NewScreenshotter wraps the client. persister may be nil when no
// capture will name a path.
func NewScreenshotter(client *Client, persister storage.FilePersister, logger *log.Logger) *Screenshotter {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Screenshotter{client: client, persister: persister, logger: logger}
}

// Take captures the session's page and returns the encoded image.
func (s *Screenshotter) Take(ctx context.Context, opts *ScreenshotOptions) ([]byte, error) {
	if opts == nil {
		opts = &ScreenshotOptions{}
	}
	format := opts.Format
	if format == "" {
		format = FormatPNG
	}
	if format != FormatPNG && format != FormatJPEG {
		return nil, fmt.Errorf("unsupported image format %q", format)
	}

	ectx := cdp.WithExecutor(ctx, s.client)

	// A transparent png needs the white default background lifted for
	// the duration of the capture.
	if format == FormatPNG && opts.OmitBackground {
		err := emulation.SetDefaultBackgroundColorOverride().
			WithColor(&cdp.RGBA{R: 0, G: 0, B: 0, A: 0}).
			Do(ectx)
		if err != nil {
			return nil, fmt.Errorf("cannot override background color: %w", err)
		}
		defer func() {
			if err := emulation.SetDefaultBackgroundColorOverride().Do(ectx); err != nil {
				s.logger.Warnf("CDP:screenshot", "cannot restore background color: %v", err)
			}
		}()
	}

	clip, err := s.clipFor(ectx, opts.Clip)
	if err != nil {
		return nil, err
	}

	capture := page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormat(format)).
		WithClip(clip)
	if format == FormatJPEG {
		quality := opts.Quality
		if quality <= 0 {
			quality = defaultJPEGQuality
		}
		capture = capture.WithQuality(quality)
	}

	buf, err := capture.Do(ectx)
	if err != nil {
		return nil, fmt.Errorf("cannot capture screenshot: %w", err)
	}

	if opts.Path != "" {
		if s.persister == nil {
			return nil, fmt.Errorf("cannot persist screenshot to %q: no persister configured", opts.Path)
		}
		if err := s.persister.Persist(ctx, opts.Path, bytes.NewReader(buf)); err != nil {
			return nil, fmt.Errorf("cannot persist screenshot to %q: %w", opts.Path, err)
		}
		s.logger.Debugf("CDP:screenshot", "persisted %d bytes to %s", len(buf), opts.Path)
	}
	return buf, nil
}

// clipFor turns the requested clip into protocol viewport coordinates,
// defaulting to the page's visual viewport. Zero-sized clips are
// rounded up to one pixel, the smallest capture Chrome accepts.
func (s *Screenshotter) clipFor(ectx context.Context, clip *dom.Rect) (*page.Viewport, error) {
	if clip != nil {
		return &page.Viewport{
			X:      math.Round(clip.X),
			Y:      math.Round(clip.Y),
			Width:  math.Max(1, math.Round(clip.Width)),
			Height: math.Max(1, math.Round(clip.Height)),
			Scale:  1,
		}, nil
	}

	_, visualViewport, _, err := page.GetLayoutMetrics().Do(ectx)
	if err != nil {
		return nil, fmt.Errorf("cannot read layout metrics: %w", err)
	}
	if visualViewport == nil {
		return nil, fmt.Errorf("cannot read layout metrics: no visual viewport")
	}
	return &page.Viewport{
		X:      math.Round(visualViewport.PageX),
		Y:      math.Round(visualViewport.PageY),
		Width:  math.Max(1, math.Round(visualViewport.ClientWidth)),
		Height: math.Max(1, math.Round(visualViewport.ClientHeight)),
		Scale:  1,
	}, nil
}
