package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/philtim/tzclock/clock"
)

// subscriberBuffer is the number of events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 16

// EventKind tells subscribers what an Event carries.
type EventKind int

const (
	// EventClocks carries a fresh set of projected clocks.
	EventClocks EventKind = iota
	// EventFailure reports a failed sync or projection for one timezone.
	EventFailure
)

// Event is published to subscribers after every projection pass and on
// every per-city failure.
type Event struct {
	Kind     EventKind
	At       time.Time
	Clocks   []clock.ProjectedClock
	Timezone string
	Err      error
}

// Subscribe registers a new listener. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// publish never blocks; a subscriber with a full buffer misses the event.
func (s *Scheduler) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("dropping event for slow subscriber", "subscriber", id, "kind", ev.Kind)
		}
	}
}
