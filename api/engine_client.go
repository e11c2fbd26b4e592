package api

import "context"

// EngineClient is the client interface to an external semantic
// automation engine. Implementations own the transport only; the
// engine's grounding and planning stay on the other side of the wire.
type EngineClient interface {
	Navigate(ctx context.Context, url string) (*NavigateResult, error)
	Act(ctx context.Context, instruction string) (*ActResult, error)
	Extract(ctx context.Context, instruction string, schema map[string]any) (*ExtractResult, error)
	Observe(ctx context.Context, instruction string) ([]Observation, error)
	Screenshot(ctx context.Context) (*Snapshot, error)
}
