// Package provider implements the two automation providers served by
// the fallback orchestrator: stagehand delegates to an external
// semantic engine over its transport, webview plans typed DOM programs
// with an LLM and executes them through the correlation bridge.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/log"
)

// Stagehand adapts an external semantic automation engine to the
// provider interface. The engine does its own grounding and planning;
// this side owns transport, timing and error context only.
type Stagehand struct {
	engine api.EngineClient
	logger *log.Logger
}

var _ api.Provider = (*Stagehand)(nil)

// NewStagehand wraps an engine client.
func NewStagehand(engine api.EngineClient, logger *log.Logger) *Stagehand {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Stagehand{engine: engine, logger: logger}
}

// Name implements api.Provider.
func (s *Stagehand) Name() string { return "stagehand" }

// Navigate implements api.Provider.
func (s *Stagehand) Navigate(ctx context.Context, url string) (*api.NavigateResult, error) {
	start := time.Now()
	res, err := s.engine.Navigate(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("stagehand navigate: %w", err)
	}
	s.logger.Debugf("Provider:Navigate", "provider:stagehand url:%s took:%s", url, time.Since(start))
	return res, nil
}

// Act implements api.Provider.
func (s *Stagehand) Act(ctx context.Context, instruction string) (*api.ActResult, error) {
	start := time.Now()
	res, err := s.engine.Act(ctx, instruction)
	if err != nil {
		return nil, fmt.Errorf("stagehand act: %w", err)
	}
	s.logger.Debugf("Provider:Act", "provider:stagehand took:%s", time.Since(start))
	return res, nil
}

// Extract implements api.Provider.
func (s *Stagehand) Extract(ctx context.Context, instruction string, schema map[string]any) (*api.ExtractResult, error) {
	start := time.Now()
	res, err := s.engine.Extract(ctx, instruction, schema)
	if err != nil {
		return nil, fmt.Errorf("stagehand extract: %w", err)
	}
	s.logger.Debugf("Provider:Extract", "provider:stagehand took:%s", time.Since(start))
	return res, nil
}

// Observe implements api.Provider.
func (s *Stagehand) Observe(ctx context.Context, instruction string) ([]api.Observation, error) {
	start := time.Now()
	res, err := s.engine.Observe(ctx, instruction)
	if err != nil {
		return nil, fmt.Errorf("stagehand observe: %w", err)
	}
	s.logger.Debugf("Provider:Observe", "provider:stagehand observations:%d took:%s",
		len(res), time.Since(start))
	return res, nil
}

// Screenshot implements api.Provider.
func (s *Stagehand) Screenshot(ctx context.Context) (*api.Snapshot, error) {
	start := time.Now()
	res, err := s.engine.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("stagehand screenshot: %w", err)
	}
	s.logger.Debugf("Provider:Screenshot", "provider:stagehand took:%s", time.Since(start))
	return res, nil
}
