// Package api holds the public contracts between the automation
// subsystem's components: providers, execution backends, tab control
// and the error taxonomy shared by all of them.
package api

import (
	"context"
	"time"
)

// Provider is the public interface of an automation provider.
type Provider interface {
	// Name identifies the provider in traces and error messages.
	Name() string

	Navigate(ctx context.Context, url string) (*NavigateResult, error)
	Act(ctx context.Context, instruction string) (*ActResult, error)
	Extract(ctx context.Context, instruction string, schema map[string]any) (*ExtractResult, error)
	Observe(ctx context.Context, instruction string) ([]Observation, error)
	Screenshot(ctx context.Context) (*Snapshot, error)
}

// NavigateResult reports where a navigation ended up.
type NavigateResult struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ActResult reports the outcome of an act instruction.
type ActResult struct {
	Status string `json:"status"`
}

// ExtractResult carries the data an extract instruction produced.
type ExtractResult struct {
	Data any `json:"data"`
}

// Observation describes one element an observe instruction surfaced.
type Observation struct {
	Selector    string `json:"selector"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Snapshot is a point-in-time capture of a page: either an encoded
// image, a structured page summary, or both, depending on the backend.
type Snapshot struct {
	URL             string         `json:"url"`
	Title           string         `json:"title,omitempty"`
	TakenAt         time.Time      `json:"takenAt"`
	Format          string         `json:"format,omitempty"`
	Image           []byte         `json:"image,omitempty"`
	Page            map[string]any `json:"page,omitempty"`
	RecentSelectors []string       `json:"recentSelectors,omitempty"`
}
