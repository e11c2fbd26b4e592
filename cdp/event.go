package cdp

import (
	"sync"

	"github.com/chromedp/cdproto"

	"github.com/webpilot/webpilot/log"
)

// eventBuffer is each subscriber's channel depth. A full channel drops
// the event for that subscriber instead of stalling the read loop.
const eventBuffer = 16

// Event is one protocol event as delivered to subscribers. Data holds
// the decoded cdproto event struct for Name; SessionID is empty for
// browser-level events.
type Event struct {
	Name      cdproto.MethodType
	Data      any
	SessionID string
}

type subscriber struct {
	ch     chan *Event
	events map[cdproto.MethodType]struct{}
}

// eventWatcher fans incoming events out to subscribers by method name.
type eventWatcher struct {
	logger *log.Logger

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func newEventWatcher(logger *log.Logger) *eventWatcher {
	return &eventWatcher{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// subscribe registers interest in the named events. The cancel is
// idempotent and closes the channel; after the watcher shuts down it
// returns an already-closed channel.
func (w *eventWatcher) subscribe(events ...cdproto.MethodType) (<-chan *Event, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		ch := make(chan *Event)
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{
		ch:     make(chan *Event, eventBuffer),
		events: make(map[cdproto.MethodType]struct{}, len(events)),
	}
	for _, evt := range events {
		sub.events[evt] = struct{}{}
	}
	id := w.nextID
	w.nextID++
	w.subs[id] = sub

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, ok := w.subs[id]; !ok {
			return
		}
		delete(w.subs, id)
		close(sub.ch)
	}
	return sub.ch, cancel
}

func (w *eventWatcher) notify(ev *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subs {
		if _, ok := sub.events[ev.Name]; !ok {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			w.logger.Warnf("CDP:events", "dropping %s event, subscriber is lagging", ev.Name)
		}
	}
}

// closeAll closes every subscriber channel. Late subscribe calls get
// closed channels back.
func (w *eventWatcher) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, sub := range w.subs {
		delete(w.subs, id)
		close(sub.ch)
	}
}
