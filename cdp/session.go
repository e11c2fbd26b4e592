package cdp

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// Typed wrappers over the protocol domains the subsystem drives. Each
// one runs through Execute, honoring any session routing on ctx.

// Version reports the browser's product and protocol version.
func (c *Client) Version(ctx context.Context) (product, protocol string, err error) {
	protocol, product, _, _, _, err = browser.GetVersion().Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return "", "", fmt.Errorf("cannot read browser version: %w", err)
	}
	return product, protocol, nil
}

// NewPage opens a page target at url and returns its target id. An
// empty url opens a blank page.
func (c *Client) NewPage(ctx context.Context, url string) (string, error) {
	if url == "" {
		url = "about:blank"
	}
	tid, err := target.CreateTarget(url).Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return "", fmt.Errorf("cannot create page target: %w", err)
	}
	return string(tid), nil
}

// ClosePage closes the page target.
func (c *Client) ClosePage(ctx context.Context, targetID string) error {
	if err := target.CloseTarget(target.ID(targetID)).Do(cdp.WithExecutor(ctx, c)); err != nil {
		return fmt.Errorf("cannot close target %q: %w", targetID, err)
	}
	return nil
}

// Targets lists the browser's current targets, pages included.
func (c *Client) Targets(ctx context.Context) ([]*target.Info, error) {
	infos, err := target.GetTargets().Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("cannot list targets: %w", err)
	}
	return infos, nil
}

// AttachToPage opens a flat session on the target and returns its
// session id for WithSessionID routing.
func (c *Client) AttachToPage(ctx context.Context, targetID string) (string, error) {
	sid, err := target.AttachToTarget(target.ID(targetID)).
		WithFlatten(true).
		Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return "", fmt.Errorf("cannot attach to target %q: %w", targetID, err)
	}
	return string(sid), nil
}

// Navigate drives the session's page to url. Chrome reports load-level
// failures as error text on an otherwise successful command; both
// surface as errors here.
func (c *Client) Navigate(ctx context.Context, url string) error {
	_, _, errorText, err := page.Navigate(url).Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return fmt.Errorf("cannot navigate to %q: %w", url, err)
	}
	if errorText != "" {
		return fmt.Errorf("navigation to %q failed: %s", url, errorText)
	}
	return nil
}
