package api

import (
	"context"

	"github.com/webpilot/webpilot/dom"
)

// PageExecutor injects DOM automation programs into a page and streams
// back their results. Inject returns once the program is handed to the
// page; completion arrives later on the Results stream, matched by
// request id. A synchronous Inject error means the program never
// reached the page.
type PageExecutor interface {
	Inject(ctx context.Context, tabID string, req *dom.Request) error
	Results() <-chan *dom.Result
}
