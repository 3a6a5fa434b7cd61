package syncchan

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Bus is an in-process relay shared by MemoryTransports.
type Bus struct {
	mu      sync.Mutex
	clients map[*MemoryTransport]struct{}
}

func NewBus() *Bus { return &Bus{clients: make(map[*MemoryTransport]struct{})} }

func (b *Bus) NewTransport() *MemoryTransport {
	t := &MemoryTransport{
		bus:         b,
		rooms:       make(map[string]struct{}),
		joins:       make(map[string]int),
		msgs:        make(chan Message, 256),
		reconnected: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	b.mu.Lock()
	b.clients[t] = struct{}{}
	b.mu.Unlock()
	return t
}

func (b *Bus) deliver(m Message) {
	b.mu.Lock()
	targets := make([]*MemoryTransport, 0, len(b.clients))
	for t := range b.clients {
		if t.member(m.Room) {
			targets = append(targets, t)
		}
	}
	b.mu.Unlock()
	for _, t := range targets {
		t.enqueue(m)
	}
}

// MemoryTransport is a Transport over a Bus. Drop and Restore simulate a
// network outage.
type MemoryTransport struct {
	bus *Bus

	mu          sync.Mutex
	connected   bool
	rooms       map[string]struct{}
	joins       map[string]int
	msgs        chan Message
	reconnected chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

func (t *MemoryTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *MemoryTransport) Join(_ context.Context, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.rooms[room] = struct{}{}
	t.joins[room]++
	return nil
}

func (t *MemoryTransport) Leave(_ context.Context, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	delete(t.rooms, room)
	return nil
}

func (t *MemoryTransport) Publish(_ context.Context, room string, data []byte) error {
	t.mu.Lock()
	ok := t.connected
	t.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	t.bus.deliver(Message{Room: room, Data: append([]byte(nil), data...)})
	return nil
}

func (t *MemoryTransport) Messages() <-chan Message { return t.msgs }

func (t *MemoryTransport) Reconnected() <-chan struct{} { return t.reconnected }

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.bus.mu.Lock()
		delete(t.bus.clients, t)
		t.bus.mu.Unlock()
		close(t.done)
	})
	return nil
}

// Drop disconnects the transport. The relay forgets its rooms.
func (t *MemoryTransport) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	clear(t.rooms)
}

// Restore reconnects after Drop and signals Reconnected.
func (t *MemoryTransport) Restore() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	select {
	case t.reconnected <- struct{}{}:
	default:
	}
}

func (t *MemoryTransport) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.rooms))
}

// JoinCount reports how many times room was joined on the relay.
func (t *MemoryTransport) JoinCount(room string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins[room]
}

func (t *MemoryTransport) member(room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[room]
	return ok && t.connected
}

func (t *MemoryTransport) enqueue(m Message) {
	select {
	case t.msgs <- m:
	case <-t.done:
	}
}
