package eventbus

import (
	"sync"
	"time"
)

// Event is a small in-memory signal used to decouple components. Type
// values are owned by the publisher (the scheduler's task.* kinds, the
// recurring feeder's job.* kinds); Data should be compact and ideally
// JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers.
//
// Contract:
//   - Publish never blocks; a subscriber that falls behind loses events.
//   - Subscribe may restrict delivery to the given event types; with none,
//     every event is delivered.
//   - unsubscribe closes the channel and is safe to call more than once.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{} // nil means every type
}

func (s *subscriber) wants(typ string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

// Publish delivers e to every matching subscriber. Sends happen under the
// read lock: unsubscribe takes the write lock before closing a channel, so
// a send can never race a close. Sends are non-blocking, so holding the
// lock stays cheap.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Subscriber is behind; drop rather than stall the publisher.
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					// swap-remove; delivery order across subscribers is
					// unspecified anyway
					last := len(b.subs) - 1
					b.subs[i] = b.subs[last]
					b.subs[last] = nil
					b.subs = b.subs[:last]
					break
				}
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, unsub
}
