package tabs

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// blankHTML is the document behind about:blank.
const blankHTML = `<!DOCTYPE html><html><head><title></title></head><body></body></html>`

// DefaultMaxDocumentBytes caps how much of a remote document is read.
const DefaultMaxDocumentBytes = 10 << 20

// Loader fetches documents for tabs: web URLs over HTTP, plus the
// local schemes a browser accepts.
type Loader struct {
	client   *http.Client
	maxBytes int64
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) { l.client = c }
}

// WithMaxDocumentBytes caps the document read size.
func WithMaxDocumentBytes(n int64) LoaderOption {
	return func(l *Loader) { l.maxBytes = n }
}

// NewLoader builds a loader with a 30s HTTP timeout.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: DefaultMaxDocumentBytes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches rawURL and returns the document plus the final URL
// after redirects.
func (l *Loader) Load(ctx context.Context, rawURL string) (content, finalURL string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("cannot parse URL %q: %w", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "about":
		return blankHTML, "about:blank", nil
	case "file":
		return l.loadFile(u)
	case "data":
		return loadDataURL(rawURL)
	case "http", "https":
		return l.loadHTTP(ctx, rawURL)
	default:
		return "", "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

func (l *Loader) loadFile(u *url.URL) (string, string, error) {
	raw, err := os.ReadFile(u.Path)
	if err != nil {
		return "", "", fmt.Errorf("cannot read %s: %w", u.Path, err)
	}
	if int64(len(raw)) > l.maxBytes {
		raw = raw[:l.maxBytes]
	}
	return string(raw), u.String(), nil
}

func (l *Loader) loadHTTP(ctx context.Context, rawURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("cannot build request for %s: %w", rawURL, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("cannot load %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes))
	if err != nil {
		return "", "", fmt.Errorf("cannot read %s: %w", rawURL, err)
	}

	// Error statuses still render their body, like a browser does.
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return string(raw), finalURL, nil
}

// loadDataURL decodes data:[<mediatype>][;base64],<data>.
func loadDataURL(rawURL string) (string, string, error) {
	rest, ok := strings.CutPrefix(rawURL, "data:")
	if !ok {
		return "", "", fmt.Errorf("malformed data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("malformed data URL: missing comma")
	}
	if strings.HasSuffix(meta, ";base64") {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", "", fmt.Errorf("cannot decode data URL: %w", err)
		}
		return string(raw), rawURL, nil
	}
	decoded, err := url.QueryUnescape(payload)
	if err != nil {
		return "", "", fmt.Errorf("cannot decode data URL: %w", err)
	}
	return decoded, rawURL, nil
}
