package sidecar

import (
	"context"

	"github.com/webpilot/webpilot/api"
)

var _ api.EngineClient = (*Client)(nil)

// navigateParams through observeParams mirror the engine's wire
// method table.
type navigateParams struct {
	URL string `json:"url"`
}

type actParams struct {
	Instruction string `json:"instruction"`
}

type extractParams struct {
	Instruction string         `json:"instruction"`
	Schema      map[string]any `json:"schema,omitempty"`
}

type observeParams struct {
	Instruction string `json:"instruction"`
}

// Navigate asks the engine to load url in its page.
func (c *Client) Navigate(ctx context.Context, url string) (*api.NavigateResult, error) {
	var out api.NavigateResult
	if err := c.Call(ctx, "navigate", navigateParams{URL: url}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Act asks the engine to carry out one natural-language instruction.
func (c *Client) Act(ctx context.Context, instruction string) (*api.ActResult, error) {
	var out api.ActResult
	if err := c.Call(ctx, "act", actParams{Instruction: instruction}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Extract pulls structured data from the page, optionally shaped by a
// JSON schema.
func (c *Client) Extract(ctx context.Context, instruction string, schema map[string]any) (*api.ExtractResult, error) {
	var out api.ExtractResult
	if err := c.Call(ctx, "extract", extractParams{Instruction: instruction, Schema: schema}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Observe asks the engine to locate elements matching an instruction.
func (c *Client) Observe(ctx context.Context, instruction string) ([]api.Observation, error) {
	var out []api.Observation
	if err := c.Call(ctx, "observe", observeParams{Instruction: instruction}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Screenshot captures the engine's view of the current page.
func (c *Client) Screenshot(ctx context.Context) (*api.Snapshot, error) {
	var out api.Snapshot
	if err := c.Call(ctx, "screenshot", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
