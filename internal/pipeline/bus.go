package pipeline

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/colloquy/internal/observe"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

type subscription struct {
	ch    chan Event
	kinds []EventKind
}

func (s *subscription) wants(k EventKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// bus fans events out to the subscribers of one orchestrator. Publishing
// never blocks: a subscriber with a full buffer loses non-terminal events,
// and for terminal events its oldest buffered event is evicted to make room.
type bus struct {
	mu      sync.Mutex
	subs    map[int]*subscription
	next    int
	size    int
	metrics *observe.Metrics
}

func newBus(size int, m *observe.Metrics) *bus {
	if size < 1 {
		size = 1
	}
	return &bus{subs: make(map[int]*subscription), size: size, metrics: m}
}

func (b *bus) subscribe(kinds ...EventKind) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscription{ch: make(chan Event, b.size), kinds: slices.Clone(kinds)}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *bus) publish(ctx context.Context, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		if !e.Kind.Terminal() {
			select {
			case sub.ch <- e:
			default:
				b.metrics.EventsDropped.Add(ctx, 1)
			}
			continue
		}
		for delivered := false; !delivered; {
			select {
			case sub.ch <- e:
				delivered = true
			default:
				select {
				case <-sub.ch:
					b.metrics.EventsDropped.Add(ctx, 1)
				default:
				}
			}
		}
	}
}
