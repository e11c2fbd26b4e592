package cdp

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/storage"
)

// captureHandler scripts the replies one capture needs. The layout
// metrics reply carries both current and legacy viewport keys so the
// decode works across protocol revisions.
func captureHandler(image []byte) func(msg *cdproto.Message) *wsReply {
	viewport := map[string]any{
		"offsetX": 0, "offsetY": 0,
		"pageX": 0, "pageY": 0,
		"clientWidth": 800, "clientHeight": 600,
		"scale": 1, "zoom": 1,
	}
	size := map[string]any{"x": 0, "y": 0, "width": 800, "height": 600}
	return func(msg *cdproto.Message) *wsReply {
		switch string(msg.Method) {
		case "Page.getLayoutMetrics":
			return resultReply(map[string]any{
				"layoutViewport":    size,
				"visualViewport":    viewport,
				"contentSize":       size,
				"cssLayoutViewport": size,
				"cssVisualViewport": viewport,
				"cssContentSize":    size,
			})
		case "Page.captureScreenshot":
			return resultReply(map[string]any{
				"data": base64.StdEncoding.EncodeToString(image),
			})
		}
		return resultReply(nil)
	}
}

func TestTakeDefaultsToViewportPNG(t *testing.T) {
	t.Parallel()

	image := []byte("png-bytes")
	fb := newFakeBrowser(t, captureHandler(image))
	s := NewScreenshotter(newTestClient(t, fb), nil, log.NewNullLogger())

	buf, err := s.Take(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, image, buf)

	params := fb.paramsOf("Page.captureScreenshot")
	assert.Equal(t, "png", params["format"])
	assert.NotContains(t, params, "quality")
	assert.Equal(t, map[string]any{
		"x": float64(0), "y": float64(0),
		"width": float64(800), "height": float64(600),
		"scale": float64(1),
	}, params["clip"])
}

func TestTakeJPEGQualityAndClip(t *testing.T) {
	t.Parallel()

	image := []byte("jpeg-bytes")
	fb := newFakeBrowser(t, captureHandler(image))
	s := NewScreenshotter(newTestClient(t, fb), nil, log.NewNullLogger())

	buf, err := s.Take(context.Background(), &ScreenshotOptions{
		Format:  FormatJPEG,
		Quality: 70,
		Clip:    &dom.Rect{X: 10.4, Y: 20.6, Width: 300.2, Height: 199.7},
	})
	require.NoError(t, err)
	assert.Equal(t, image, buf)

	// An explicit clip skips the layout metrics round trip.
	assert.Equal(t, []string{"Page.captureScreenshot"}, fb.methodsSeen())

	params := fb.paramsOf("Page.captureScreenshot")
	assert.Equal(t, "jpeg", params["format"])
	assert.Equal(t, float64(70), params["quality"])
	assert.Equal(t, map[string]any{
		"x": float64(10), "y": float64(21),
		"width": float64(300), "height": float64(200),
		"scale": float64(1),
	}, params["clip"])
}

func TestTakeClampsZeroClip(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, captureHandler([]byte("x")))
	s := NewScreenshotter(newTestClient(t, fb), nil, log.NewNullLogger())

	_, err := s.Take(context.Background(), &ScreenshotOptions{
		Clip: &dom.Rect{X: 5, Y: 5, Width: 0, Height: 0.2},
	})
	require.NoError(t, err)

	params := fb.paramsOf("Page.captureScreenshot")
	clip, ok := params["clip"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), clip["width"])
	assert.Equal(t, float64(1), clip["height"])
}

func TestTakeOmitBackground(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, captureHandler([]byte("transparent")))
	s := NewScreenshotter(newTestClient(t, fb), nil, log.NewNullLogger())

	_, err := s.Take(context.Background(), &ScreenshotOptions{OmitBackground: true})
	require.NoError(t, err)

	// Override before the capture, restore after it.
	assert.Equal(t, []string{
		"Emulation.setDefaultBackgroundColorOverride",
		"Page.getLayoutMetrics",
		"Page.captureScreenshot",
		"Emulation.setDefaultBackgroundColorOverride",
	}, fb.methodsSeen())

	var overrides []*cdproto.Message
	for _, m := range fb.messages() {
		if string(m.Method) == "Emulation.setDefaultBackgroundColorOverride" {
			overrides = append(overrides, m)
		}
	}
	require.Len(t, overrides, 2)
	assert.Contains(t, string(overrides[0].Params), `"color"`)
	assert.NotContains(t, string(overrides[1].Params), `"color"`)
}

func TestTakeJPEGKeepsBackground(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, captureHandler([]byte("opaque")))
	s := NewScreenshotter(newTestClient(t, fb), nil, log.NewNullLogger())

	_, err := s.Take(context.Background(), &ScreenshotOptions{
		Format:         FormatJPEG,
		OmitBackground: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, fb.methodsSeen(), "Emulation.setDefaultBackgroundColorOverride")
}

func TestTakePersists(t *testing.T) {
	t.Parallel()

	image := []byte("persisted-png")
	fb := newFakeBrowser(t, captureHandler(image))
	s := NewScreenshotter(newTestClient(t, fb), storage.NewLocalFilePersister(), log.NewNullLogger())

	path := filepath.Join(t.TempDir(), "shots", "checkout.png")
	buf, err := s.Take(context.Background(), &ScreenshotOptions{Path: path})
	require.NoError(t, err)
	assert.Equal(t, image, buf)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, image, written)
}

func TestTakeOptionErrors(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, captureHandler([]byte("x")))
	s := NewScreenshotter(newTestClient(t, fb), nil, log.NewNullLogger())
	ctx := context.Background()

	_, err := s.Take(ctx, &ScreenshotOptions{Format: "webp"})
	assert.EqualError(t, err, `unsupported image format "webp"`)

	_, err = s.Take(ctx, &ScreenshotOptions{Path: "/tmp/never.png"})
	assert.EqualError(t, err, `cannot persist screenshot to "/tmp/never.png": no persister configured`)
}
