package events

import (
	"sync"
	"time"

	"github.com/flasharr/flasharr/internal/logging"
	"github.com/flasharr/flasharr/internal/metrics"
)

var log = logging.For("events")

// Overrun is delivered as the final event on a subscription before it
// is torn down, when a subscriber falls far enough behind that even
// coalescing can't keep its ring bounded.
type Overrun struct {
	DroppedEvents int `json:"dropped_events"`
}

// Subscription is a bounded, ordered stream of events for one
// consumer (an SSE client, typically).
type Subscription struct {
	C      chan Event
	wake   chan struct{}
	closed chan struct{}

	mu         sync.Mutex
	ring       []Event
	ringCap    int
	overflowed bool
}

// Bus fans events out to every active subscription, coalescing
// `task_updated` deltas per-task under backpressure while never
// dropping lifecycle events, per the Event Bus contract.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	ringCap int
}

// New creates a Bus whose subscriptions buffer up to ringCap events
// before an overrun tears them down.
func New(ringCap int) *Bus {
	if ringCap <= 0 {
		ringCap = 256
	}
	return &Bus{subs: make(map[*Subscription]struct{}), ringCap: ringCap}
}

// Subscribe registers a new consumer and returns its subscription.
// Call Unsubscribe when the consumer disconnects.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		C:       make(chan Event, 1),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		ringCap: b.ringCap,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	go sub.pump()
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers an event to every current subscriber.
func (b *Bus) Publish(kind Kind, taskID string, payload interface{}) {
	evt := Event{Kind: kind, At: time.Now(), Payload: payload}

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(evt, taskID, b, s)
	}
}

// Deliver enqueues one event directly onto this subscription, bypassing
// the fan-out Publish. Used to push a sync_all snapshot to exactly the
// subscriber that just connected, before it can see any deltas.
func (s *Subscription) Deliver(kind Kind, payload interface{}) {
	s.enqueue(Event{Kind: kind, At: time.Now(), Payload: payload}, "", nil, nil)
}

func (s *Subscription) enqueue(evt Event, taskID string, bus *Bus, self *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.overflowed {
		return
	}

	if evt.Kind == KindTaskUpdated {
		// Coalesce: replace any existing queued update for the same
		// task instead of growing the ring.
		for i, existing := range s.ring {
			if existing.Kind == KindTaskUpdated && sameTask(existing, taskID) {
				s.ring[i] = evt
				s.kick()
				return
			}
		}
	}

	if len(s.ring) >= s.ringCap {
		if IsLifecycle(evt.Kind) {
			// Lifecycle events are never dropped; grow by one slot so
			// the reader still sees every one, then mark overrun once
			// the ring is clearly unbounded.
			s.ring = append(s.ring, evt)
			if len(s.ring) >= s.ringCap*2 {
				s.overflowed = true
				s.ring = append(s.ring, Event{Kind: "overrun", At: time.Now(), Payload: Overrun{DroppedEvents: len(s.ring)}})
				metrics.EventSubscriberOverruns.Inc()
				log.Warn().Msg("event subscriber overrun, tearing down subscription")
			}
			s.kick()
			return
		}
		// Non-lifecycle event over capacity: drop the oldest queued
		// non-lifecycle event to make room. If every queued event is a
		// lifecycle event, the incoming one is dropped instead.
		dropped := false
		for i, existing := range s.ring {
			if !IsLifecycle(existing.Kind) {
				s.ring = append(s.ring[:i], s.ring[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			return
		}
	}

	s.ring = append(s.ring, evt)
	s.kick()
}

func sameTask(evt Event, taskID string) bool {
	tu, ok := evt.Payload.(TaskUpdated)
	return ok && tu.TaskID == taskID
}

// kick wakes the pump goroutine if it's idle. Must be called with mu held.
func (s *Subscription) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the ring into C in order.
func (s *Subscription) pump() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.ring) == 0 {
				s.mu.Unlock()
				break
			}
			evt := s.ring[0]
			s.ring = s.ring[1:]
			overflowed := s.overflowed
			s.mu.Unlock()

			select {
			case s.C <- evt:
			case <-s.closed:
				return
			}
			if overflowed && evt.Kind == "overrun" {
				return
			}
		}
	}
}

func (s *Subscription) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
