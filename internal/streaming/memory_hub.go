package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub fans session events out to in-process subscribers. Delivery is
// best effort: a subscriber with a full buffer misses the event and the
// miss is counted.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	dropped atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !matchFilter(s.filter, event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription that ends when ctx is done or
// the returned cancel is called, whichever comes first. Ending closes the
// channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s := &subscription{ch: make(chan StreamEvent, defaultChannelBuffer), filter: filter}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	end := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(s.ch)
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, end)
	cancel := func() {
		stop()
		end()
	}
	return s.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was not keeping up.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

var _ EventHub = (*MemoryHub)(nil)
