package tabs

import (
	"context"
	"sync"
	"time"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/log"
)

// Tab lifecycle event types.
const (
	EventCreated   = "created"
	EventClosed    = "closed"
	EventSwitched  = "switched"
	EventNavigated = "navigated"
	EventResult    = "result"
)

// Event is one tab lifecycle notification.
type Event struct {
	Type   string       `json:"type"`
	Tab    *api.TabInfo `json:"tab,omitempty"`
	Result *dom.Result  `json:"result,omitempty"`
	Time   time.Time    `json:"time"`
}

type subscriber struct {
	ctx context.Context
	ch  chan Event
}

// emitter fans tab events out to subscribers. Delivery never blocks
// the host: a subscriber that stops draining loses events, logged at
// debug.
type emitter struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	logger *log.Logger
}

func newEmitter(logger *log.Logger) *emitter {
	return &emitter{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// subscribe registers a listener until ctx ends or the returned cancel
// runs.
func (em *emitter) subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	em.mu.Lock()
	id := em.nextID
	em.nextID++
	em.subs[id] = &subscriber{ctx: ctx, ch: ch}
	em.mu.Unlock()

	cancel := func() {
		em.mu.Lock()
		delete(em.subs, id)
		em.mu.Unlock()
	}
	return ch, cancel
}

func (em *emitter) emit(ev Event) {
	ev.Time = time.Now()

	em.mu.Lock()
	defer em.mu.Unlock()
	for id, sub := range em.subs {
		select {
		case <-sub.ctx.Done():
			delete(em.subs, id)
		case sub.ch <- ev:
		default:
			em.logger.Debugf("Tabs:emit", "subscriber %d lagging, dropping %s event", id, ev.Type)
		}
	}
}
