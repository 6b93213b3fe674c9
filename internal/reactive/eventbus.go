package reactive

import "sync"

// TableEvent is published after a committed write: the table that
// changed and the id of the row that changed.
type TableEvent struct {
	Table string
	RowID string
}

// EventBus is a set of senders guarded by a mutex. Notify takes the
// mutex briefly per event, sends (non-blocking) to every live sender,
// and lazily drops senders whose receivers have disconnected (spec
// §5, §9 "Shared mutability of the event registry").
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan TableEvent
	next int
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan TableEvent)}
}

// Register allocates a buffered channel for a new subscriber and
// returns its handle together with the receive side. Buffered by a
// small amount so Notify's send is non-blocking under ordinary load.
// Notify never blocks the writer on a full channel: it evicts that
// subscriber from the registry instead, and the subscriber receives no
// further events (an explicit refresh still re-executes its query).
func (b *EventBus) Register() (handle int, ch <-chan TableEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	c := make(chan TableEvent, 16)
	b.subs[id] = c
	return id, c
}

// Unregister removes a subscriber's channel from the registry.
func (b *EventBus) Unregister(handle int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.subs[handle]; ok {
		delete(b.subs, handle)
		close(c)
	}
}

// Notify delivers event to every live subscriber, non-blocking.
// Disconnected or full channels are treated as dead and evicted.
func (b *EventBus) Notify(event TableEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.subs {
		select {
		case c <- event:
		default:
			// Lazily evict: a full channel almost always means the
			// monitor task that drains it has already exited.
			delete(b.subs, id)
		}
	}
}
