// Package trace persists the forensic record of automation runs: a
// per-trace JSONL journal of provider attempts, a summary rewritten
// after every event, and screenshot/snapshot artifacts. Everything
// passes through redaction before it reaches disk; the journal is
// what an operator reads after a run went wrong.
package trace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/storage"
)

// Journal event kinds.
const (
	EventStart    = "start"
	EventSuccess  = "success"
	EventFailure  = "failure"
	EventFallback = "fallback"
	EventDisabled = "disabled"
)

// DefaultRetention is how many trace directories survive pruning.
const DefaultRetention = 20

const (
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
	dayLayout       = "2006-01-02"
	artifactsDir    = "artifacts"
	journalName     = "attempt.jsonl"
	summaryName     = "summary.json"
)

// Prune scans walk the whole store, so they are throttled to one per
// minute across every Store in the process.
var pruneLimiter = rate.NewLimiter(rate.Every(time.Minute), 1) //nolint:gochecknoglobals

// Event is one attempt.jsonl line. Args are passed raw: the store
// hashes them before redacting, so the journal carries a fingerprint
// of the real arguments next to their redacted form.
type Event struct {
	TS                string `json:"ts"`
	TraceID           string `json:"traceId"`
	StepID            string `json:"stepId"`
	RetryUsed         bool   `json:"retryUsed"`
	StagehandDisabled bool   `json:"stagehandDisabled"`
	Event             string `json:"event"`
	AttemptID         string `json:"attemptId"`
	Action            string `json:"action"`
	Provider          string `json:"provider,omitempty"`
	ToolArgsHash      string `json:"toolArgsHash,omitempty"`
	Args              any    `json:"args,omitempty"`
	DurationMs        int64  `json:"durationMs,omitempty"`
	Reason            string `json:"reason,omitempty"`
	From              string `json:"from,omitempty"`
	To                string `json:"to,omitempty"`
}

// ProviderCounts tallies one provider's attempts within a trace.
type ProviderCounts struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Summary is the per-trace rollup rewritten after every event.
type Summary struct {
	TraceID           string                     `json:"traceId"`
	UpdatedAt         string                     `json:"updatedAt"`
	RetryUsed         bool                       `json:"retryUsed"`
	StagehandDisabled bool                       `json:"stagehandDisabled"`
	Providers         map[string]*ProviderCounts `json:"providers"`
	LastEvent         string                     `json:"lastEvent,omitempty"`
	LastError         string                     `json:"lastError,omitempty"`
}

// Store owns the on-disk layout under one root directory:
//
//	<root>/<YYYY-MM-DD>/<trace>/attempt.jsonl
//	<root>/<YYYY-MM-DD>/<trace>/summary.json
//	<root>/<YYYY-MM-DD>/<trace>/artifacts/...
type Store struct {
	root      string
	retention int
	logger    *log.Logger
	persister storage.FilePersister
	limiter   *rate.Limiter
	now       func() time.Time

	mu        sync.Mutex
	allocated map[string]string
	summaries map[string]*Summary
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention overrides how many trace directories survive pruning.
func WithRetention(n int) StoreOption {
	return func(s *Store) { s.retention = n }
}

// WithPersister swaps the file writer.
func WithPersister(p storage.FilePersister) StoreOption {
	return func(s *Store) { s.persister = p }
}

// WithPruneLimiter replaces the process-wide prune throttle.
func WithPruneLimiter(l *rate.Limiter) StoreOption {
	return func(s *Store) { s.limiter = l }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a forensic store rooted at root.
func NewStore(root string, logger *log.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	s := &Store{
		root:      root,
		retention: DefaultRetention,
		logger:    logger,
		persister: storage.NewLocalFilePersister(),
		limiter:   pruneLimiter,
		now:       time.Now,
		allocated: make(map[string]string),
		summaries: make(map[string]*Summary),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	return s
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Sanitize maps a trace id onto a directory-safe name: [A-Za-z0-9._-]
// survive, everything else becomes _, capped at 64 runes, empty ids
// become "trace".
func Sanitize(id string) string {
	var b []byte
	runes := 0
	for _, r := range id {
		if runes == 64 {
			break
		}
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b = append(b, byte(r))
		default:
			b = append(b, '_')
		}
		runes++
	}
	if len(b) == 0 {
		return "trace"
	}
	return string(b)
}

// HashArgs fingerprints raw tool arguments. The journal stores the
// hash next to the redacted args so identical calls still correlate
// across attempts without exposing the payload.
func HashArgs(args any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:6])
}

// Append journals one event and rewrites the trace's summary. The
// event's args are hashed raw, then redacted; the reason is redacted
// too. Append returns only after the journal line is on disk.
func (s *Store) Append(ctx context.Context, ev Event) error {
	dir, err := s.traceDir(ev.TraceID)
	if err != nil {
		return err
	}

	ev.TS = s.now().UTC().Format(timestampLayout)
	if ev.ToolArgsHash == "" && ev.Args != nil {
		ev.ToolArgsHash = HashArgs(ev.Args)
	}
	ev.Args = Redact(Normalize(ev.Args))
	ev.Reason = RedactText(ev.Reason)

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("cannot encode trace event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persister.Append(ctx, filepath.Join(dir, journalName), line); err != nil {
		return fmt.Errorf("cannot append trace event: %w", err)
	}

	sum := s.summaries[Sanitize(ev.TraceID)]
	if sum == nil {
		sum = &Summary{TraceID: ev.TraceID, Providers: make(map[string]*ProviderCounts)}
		s.summaries[Sanitize(ev.TraceID)] = sum
	}
	applySummary(sum, ev)

	buf, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot encode trace summary: %w", err)
	}
	if err := s.persister.Persist(ctx, filepath.Join(dir, summaryName), bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("cannot rewrite trace summary: %w", err)
	}

	s.logger.Tracef("Trace:Append", "trace:%s step:%s event:%s provider:%s", ev.TraceID, ev.StepID, ev.Event, ev.Provider)
	return nil
}

// SaveScreenshot persists screenshot bytes as a trace artifact and
// returns the artifact path.
func (s *Store) SaveScreenshot(ctx context.Context, traceID, attemptID, format string, data []byte) (string, error) {
	dir, err := s.traceDir(traceID)
	if err != nil {
		return "", err
	}
	if format == "" {
		format = "png"
	}
	path := filepath.Join(dir, artifactsDir, fmt.Sprintf("screenshot-%s.%s", Sanitize(attemptID), format))
	if err := s.persister.Persist(ctx, path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("cannot persist screenshot artifact: %w", err)
	}
	return path, nil
}

// SaveSnapshot persists a redacted page snapshot as a trace artifact
// and returns the artifact path.
func (s *Store) SaveSnapshot(ctx context.Context, traceID, attemptID string, snapshot any) (string, error) {
	dir, err := s.traceDir(traceID)
	if err != nil {
		return "", err
	}
	redacted := Redact(Normalize(snapshot))
	buf, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cannot encode snapshot artifact: %w", err)
	}
	path := filepath.Join(dir, artifactsDir, fmt.Sprintf("snapshot-%s.json", Sanitize(attemptID)))
	if err := s.persister.Persist(ctx, path, bytes.NewReader(buf)); err != nil {
		return "", fmt.Errorf("cannot persist snapshot artifact: %w", err)
	}
	return path, nil
}

// traceDir returns the trace's directory, allocating it under today's
// date on first use. Allocation is when retention pruning runs.
func (s *Store) traceDir(traceID string) (string, error) {
	key := Sanitize(traceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir, ok := s.allocated[key]; ok {
		return dir, nil
	}

	day := s.now().UTC().Format(dayLayout)
	dir := filepath.Join(s.root, day, key)
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return "", fmt.Errorf("cannot allocate trace directory %q: %w", dir, err)
	}
	s.allocated[key] = dir
	s.logger.Debugf("Trace:allocate", "trace:%s dir:%s", traceID, dir)

	s.pruneLocked()

	return dir, nil
}

// pruneLocked deletes the oldest trace directories beyond the
// retention limit. Errors are swallowed: losing an old trace is
// better than failing the attempt being journaled right now.
func (s *Store) pruneLocked() {
	if !s.limiter.Allow() {
		return
	}

	type traceEntry struct {
		path string
		day  string
		mod  time.Time
	}

	days, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	var entries []traceEntry
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		dayPath := filepath.Join(s.root, day.Name())
		traces, err := os.ReadDir(dayPath)
		if err != nil {
			continue
		}
		for _, tr := range traces {
			if !tr.IsDir() {
				continue
			}
			var mod time.Time
			if info, err := tr.Info(); err == nil {
				mod = info.ModTime()
			}
			entries = append(entries, traceEntry{
				path: filepath.Join(dayPath, tr.Name()),
				day:  day.Name(),
				mod:  mod,
			})
		}
	}
	if len(entries) <= s.retention {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].day != entries[j].day {
			return entries[i].day < entries[j].day
		}
		return entries[i].mod.Before(entries[j].mod)
	})

	for _, e := range entries[:len(entries)-s.retention] {
		if err := os.RemoveAll(e.path); err != nil {
			s.logger.Debugf("Trace:prune", "cannot remove %s: %v", e.path, err)
			continue
		}
		s.logger.Debugf("Trace:prune", "removed %s", e.path)
	}
	for _, day := range days {
		// Only empties go; Remove refuses dirs that still hold traces.
		_ = os.Remove(filepath.Join(s.root, day.Name()))
	}
}

func applySummary(sum *Summary, ev Event) {
	sum.UpdatedAt = ev.TS
	sum.LastEvent = ev.Event
	sum.RetryUsed = sum.RetryUsed || ev.RetryUsed
	sum.StagehandDisabled = sum.StagehandDisabled || ev.StagehandDisabled

	if ev.Provider != "" {
		pc := sum.Providers[ev.Provider]
		if pc == nil {
			pc = &ProviderCounts{}
			sum.Providers[ev.Provider] = pc
		}
		switch ev.Event {
		case EventStart:
			pc.Attempts++
		case EventSuccess:
			pc.Successes++
		case EventFailure:
			pc.Failures++
		}
	}
	if ev.Event == EventFailure && ev.Reason != "" {
		sum.LastError = ev.Reason
	}
}
