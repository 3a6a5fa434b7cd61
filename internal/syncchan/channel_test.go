package syncchan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-tracking/internal/domain"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func recv(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return domain.Event{}
	}
}

func startPair(t *testing.T) (*Channel, *MemoryTransport, *Channel, *MemoryTransport) {
	t.Helper()
	bus := NewBus()
	ta, tb := bus.NewTransport(), bus.NewTransport()
	a, b := New(ta, nil, WithClientID("a")), New(tb, nil, WithClientID("b"))
	for _, c := range []*Channel{a, b} {
		if err := c.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = c.Close() })
	}
	return a, ta, b, tb
}

func TestJoinLeaveIdempotent(t *testing.T) {
	a, ta, _, _ := startPair(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := a.Join(ctx, "o1"); err != nil {
			t.Fatal(err)
		}
	}
	if n := ta.JoinCount(RoomFor("o1")); n != 1 {
		t.Errorf("transport joins = %d, want 1", n)
	}
	if got := a.Rooms(); len(got) != 1 || got[0] != "order.o1" {
		t.Errorf("rooms = %v", got)
	}

	if err := a.Leave(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Leave(ctx, "o1"); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if err := a.Leave(ctx, "never-joined"); err != nil {
		t.Fatalf("leave unknown room: %v", err)
	}
	if len(a.Rooms()) != 0 || len(ta.Rooms()) != 0 {
		t.Errorf("rooms after leave: channel %v transport %v", a.Rooms(), ta.Rooms())
	}
}

// gatedTransport holds every Join until the gate opens.
type gatedTransport struct {
	*MemoryTransport
	gate    chan struct{}
	entered chan string
}

func (g *gatedTransport) Join(ctx context.Context, room string) error {
	g.entered <- room
	<-g.gate
	return g.MemoryTransport.Join(ctx, room)
}

func TestConcurrentJoinHitsTransportOnce(t *testing.T) {
	bus := NewBus()
	g := &gatedTransport{MemoryTransport: bus.NewTransport(), gate: make(chan struct{}), entered: make(chan string, 8)}
	c := New(g, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- c.Join(ctx, "o1") }()
	<-g.entered

	// the first join is still in flight
	for i := 0; i < 3; i++ {
		if err := c.Join(ctx, "o1"); err != nil {
			t.Fatal(err)
		}
	}
	close(g.gate)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	if n := g.JoinCount(RoomFor("o1")); n != 1 {
		t.Errorf("transport joins = %d, want 1", n)
	}
	if len(g.entered) != 0 {
		t.Errorf("%d extra transport joins started", len(g.entered))
	}
}

func TestLeaveDuringJoin(t *testing.T) {
	bus := NewBus()
	g := &gatedTransport{MemoryTransport: bus.NewTransport(), gate: make(chan struct{}), entered: make(chan string, 8)}
	c := New(g, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	joined := make(chan error, 1)
	go func() { joined <- c.Join(ctx, "o1") }()
	<-g.entered
	if err := c.Leave(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	close(g.gate)
	if err := <-joined; err != nil {
		t.Fatal(err)
	}
	if len(c.Rooms()) != 0 || len(g.Rooms()) != 0 {
		t.Errorf("rooms after leave: channel %v transport %v", c.Rooms(), g.Rooms())
	}
}

func TestJoinRetriedAfterFailure(t *testing.T) {
	a, ta, _, _ := startPair(t)
	ctx := context.Background()
	ta.Drop()
	if err := a.Join(ctx, "o1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("join while dropped: err = %v", err)
	}
	// reconnect without the relay signal so only the retried Join can join
	ta.mu.Lock()
	ta.connected = true
	ta.mu.Unlock()
	if err := a.Join(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Join(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if n := ta.JoinCount(RoomFor("o1")); n != 1 {
		t.Errorf("transport joins = %d, want 1", n)
	}
}

func TestPublishReachesOtherMembersOnly(t *testing.T) {
	a, _, b, _ := startPair(t)
	ctx := context.Background()
	_ = a.Join(ctx, "o1")
	_ = b.Join(ctx, "o1")

	gotA := make(chan domain.Event, 4)
	gotB := make(chan domain.Event, 4)
	a.Subscribe("o1", func(ev domain.Event) { gotA <- ev })
	b.Subscribe("o1", func(ev domain.Event) { gotB <- ev })

	sample := domain.PositionEvent{OrderID: "o1", Sample: domain.PositionSample{Coordinates: domain.Coordinates{Lat: 1, Lng: 2}}}
	if _, err := a.Publish(ctx, "o1", domain.EventPosition, sample); err != nil {
		t.Fatal(err)
	}

	ev := recv(t, gotB)
	if ev.Type != domain.EventPosition || ev.Origin != "a" {
		t.Fatalf("event = %+v", ev)
	}
	var pe domain.PositionEvent
	if err := ev.Decode(&pe); err != nil || pe.Sample.Coordinates.Lng != 2 {
		t.Fatalf("decode = %+v, %v", pe, err)
	}
	select {
	case ev := <-gotA:
		t.Fatalf("publisher received its own event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRejoinAfterReconnect(t *testing.T) {
	a, ta, b, _ := startPair(t)
	ctx := context.Background()
	_ = a.Join(ctx, "o1")
	_ = a.Join(ctx, "o2")

	got := make(chan domain.Event, 4)
	a.Subscribe("o2", func(ev domain.Event) { got <- ev })

	ta.Drop()
	if len(ta.Rooms()) != 0 {
		t.Fatal("relay kept rooms across drop")
	}
	ta.Restore()
	waitFor(t, "rooms re-joined", func() bool {
		return ta.JoinCount(RoomFor("o1")) == 2 && ta.JoinCount(RoomFor("o2")) == 2
	})

	if err := b.PublishStatus(ctx, domain.StatusEvent{OrderID: "o2", NewStatus: domain.StatusReady}); err != nil {
		t.Fatal(err)
	}
	if ev := recv(t, got); ev.Type != domain.EventStatus {
		t.Fatalf("event = %+v", ev)
	}
}

func TestJoinBeforeStart(t *testing.T) {
	bus := NewBus()
	tr := bus.NewTransport()
	c := New(tr, nil)
	_ = c.Join(context.Background(), "o1")
	if tr.JoinCount(RoomFor("o1")) != 0 {
		t.Fatal("joined before Start")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if tr.JoinCount(RoomFor("o1")) != 1 {
		t.Fatal("room not joined on Start")
	}
}

func TestSubscribeOrderAndUnsubscribe(t *testing.T) {
	a, _, b, _ := startPair(t)
	ctx := context.Background()
	_ = a.Join(ctx, "o1")

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 4)
	a.Subscribe("o1", func(domain.Event) { mu.Lock(); order = append(order, "first"); mu.Unlock() })
	unsub := a.Subscribe("o1", func(domain.Event) { mu.Lock(); order = append(order, "second"); mu.Unlock() })
	a.Subscribe("o1", func(domain.Event) { done <- struct{}{} })

	_, _ = b.Publish(ctx, "o1", domain.EventProximity, domain.ProximityFact{DistanceMeters: 10})
	<-done
	unsub()
	unsub()
	_, _ = b.Publish(ctx, "o1", domain.EventProximity, domain.ProximityFact{DistanceMeters: 5})
	<-done

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

type flakyTransport struct {
	*MemoryTransport
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyTransport) Publish(ctx context.Context, room string, data []byte) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("broker unavailable")
	}
	return f.MemoryTransport.Publish(ctx, room, data)
}

func TestPublishRetryPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("status retried", func(t *testing.T) {
		ft := &flakyTransport{MemoryTransport: NewBus().NewTransport()}
		ft.failures.Store(2)
		c := New(ft, nil, WithStatusRetry(3, time.Millisecond))
		_ = c.Start(ctx)
		defer c.Close()
		if err := c.PublishStatus(ctx, domain.StatusEvent{OrderID: "o1", NewStatus: domain.StatusConfirmed}); err != nil {
			t.Fatalf("PublishStatus: %v", err)
		}
		if n := ft.calls.Load(); n != 3 {
			t.Errorf("publish calls = %d, want 3", n)
		}
	})

	t.Run("status gives up", func(t *testing.T) {
		ft := &flakyTransport{MemoryTransport: NewBus().NewTransport()}
		ft.failures.Store(100)
		c := New(ft, nil, WithStatusRetry(2, time.Millisecond))
		_ = c.Start(ctx)
		defer c.Close()
		if err := c.PublishStatus(ctx, domain.StatusEvent{OrderID: "o1"}); err == nil {
			t.Fatal("expected error")
		}
		if n := ft.calls.Load(); n != 3 {
			t.Errorf("publish calls = %d, want 3", n)
		}
	})

	t.Run("position not retried", func(t *testing.T) {
		ft := &flakyTransport{MemoryTransport: NewBus().NewTransport()}
		ft.failures.Store(1)
		c := New(ft, nil, WithStatusRetry(3, time.Millisecond))
		_ = c.Start(ctx)
		defer c.Close()
		if _, err := c.Publish(ctx, "o1", domain.EventPosition, domain.PositionEvent{OrderID: "o1"}); err == nil {
			t.Fatal("expected error")
		}
		if n := ft.calls.Load(); n != 1 {
			t.Errorf("publish calls = %d, want 1", n)
		}
	})
}

func TestClosedChannel(t *testing.T) {
	c := New(NewBus().NewTransport(), nil)
	_ = c.Start(context.Background())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Publish(context.Background(), "o1", domain.EventPosition, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: %v", err)
	}
	if err := c.Join(context.Background(), "o1"); !errors.Is(err, ErrClosed) {
		t.Errorf("join after close: %v", err)
	}
}

func TestNewTransport(t *testing.T) {
	if _, err := NewTransport(TransportConfig{Kind: "smoke-signals"}, nil); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := NewTransport(TransportConfig{Kind: TransportWS}, nil); err == nil {
		t.Error("ws without tokens accepted")
	}
	tr, err := NewTransport(TransportConfig{Kind: TransportMemory}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*MemoryTransport); !ok {
		t.Errorf("memory kind built %T", tr)
	}
}
