package registry

import (
	"sync"

	"github.com/aadk-dev/aadk/internal/model"
)

// broadcaster fans one job's live events out to its subscribers. Each
// subscriber owns a bounded queue; a slow subscriber loses its oldest queued
// events rather than blocking the publisher or the other subscribers.
type broadcaster struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// subscriber is one live attachment to a job's broadcast.
type subscriber struct {
	ch chan model.JobEvent

	mu      sync.Mutex
	dropped uint64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*subscriber]struct{})}
}

// subscribe attaches a new subscriber. Callers hold the record lock while
// snapshotting history so the cursor and the snapshot are consistent.
func (b *broadcaster) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan model.JobEvent, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// unsubscribe detaches and closes a subscriber channel.
func (b *broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// send delivers an event to all subscribers. A full subscriber queue sheds
// its oldest entry to make room, and the loss is counted so the stream layer
// can surface a lag notice.
func (b *broadcaster) send(evt model.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		for {
			select {
			case sub.ch <- evt:
			default:
				select {
				case <-sub.ch:
					sub.mu.Lock()
					sub.dropped++
					sub.mu.Unlock()
				default:
				}
				continue
			}
			break
		}
	}
}

// takeDropped returns and resets the subscriber's loss counter.
func (s *subscriber) takeDropped() uint64 {
	s.mu.Lock()
	n := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	return n
}
