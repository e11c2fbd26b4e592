package llm

import (
	"context"
	"fmt"
	"sync"
)

// Fake replays scripted completions in order. Tests inspect the
// recorded conversations afterwards.
type Fake struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]Message
}

var _ Client = (*Fake)(nil)

// NewFake scripts the replies the fake will return, one per call.
func NewFake(replies ...string) *Fake {
	return &Fake{replies: replies}
}

// FailWith makes every subsequent call return err.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Complete implements Client.
func (f *Fake) Complete(_ context.Context, messages []Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]Message(nil), messages...))
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", fmt.Errorf("fake chat client exhausted after %d calls", len(f.calls))
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

// Calls returns every conversation the fake has seen.
func (f *Fake) Calls() [][]Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]Message, len(f.calls))
	copy(out, f.calls)
	return out
}
