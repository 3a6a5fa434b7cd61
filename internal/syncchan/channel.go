package syncchan

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"order-tracking/internal/common/logger"
	"order-tracking/internal/domain"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("channel closed")
)

// Message is one frame delivered for a room.
type Message struct {
	Room string
	Data []byte
}

// Transport is a bidirectional pub/sub connection with room semantics.
// Reconnected fires after the transport re-established a dropped
// connection; room membership is not preserved across it.
type Transport interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
	Publish(ctx context.Context, room string, data []byte) error
	Messages() <-chan Message
	Reconnected() <-chan struct{}
	Close() error
}

type Handler func(domain.Event)

// RoomFor names the room of an order. It doubles as the AMQP routing key.
func RoomFor(orderID string) string { return "order." + orderID }

type Option func(*Channel)

func WithClientID(id string) Option { return func(c *Channel) { c.clientID = id } }

// WithStatusRetry sets how many times PublishStatus retries and the initial backoff.
func WithStatusRetry(attempts int, backoff time.Duration) Option {
	return func(c *Channel) {
		c.retries = attempts
		c.backoff = backoff
	}
}

type roomState int

const (
	roomPending roomState = iota // registered, transport join not attempted or failed
	roomJoining
	roomJoined
)

type Channel struct {
	tr       Transport
	log      *logger.Logger
	clientID string
	retries  int
	backoff  time.Duration

	mu      sync.Mutex
	rooms   map[string]roomState
	subs    map[string]map[int]Handler
	nextSub int
	started bool
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(tr Transport, lg *logger.Logger, opts ...Option) *Channel {
	if lg == nil {
		lg = logger.Nop()
	}
	c := &Channel{
		tr:       tr,
		log:      lg,
		clientID: uuid.NewString(),
		retries:  3,
		backoff:  200 * time.Millisecond,
		rooms:    make(map[string]roomState),
		subs:     make(map[string]map[int]Handler),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) ClientID() string { return c.clientID }

// Start connects the transport, joins rooms requested before Start and
// begins dispatching. Calling it again is a no-op.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.tr.Connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.dispatch(runCtx)
	go c.watchReconnect(runCtx)

	c.rejoin(ctx)
	c.log.Info("channel_started", map[string]any{"client_id": c.clientID})
	return nil
}

// Join adds orderID's room. Joining a room that is joined or being joined
// is a no-op. A room whose transport join failed stays registered; it is
// joined by the next Join call or the next reconnect.
func (c *Channel) Join(ctx context.Context, orderID string) error {
	room := RoomFor(orderID)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if st, ok := c.rooms[room]; ok && st != roomPending {
		c.mu.Unlock()
		return nil
	}
	if !c.started {
		c.rooms[room] = roomPending
		c.mu.Unlock()
		return nil
	}
	c.rooms[room] = roomJoining
	c.mu.Unlock()

	if err := c.joinRoom(ctx, room); err != nil {
		c.log.Warn("room_join_failed", map[string]any{"room": room, "error": err.Error()})
		return err
	}
	c.log.Debug("room_joined", map[string]any{"room": room})
	return nil
}

// joinRoom joins a room already marked roomJoining. A room left while the
// join was in flight is left again on the transport.
func (c *Channel) joinRoom(ctx context.Context, room string) error {
	if err := c.tr.Join(ctx, room); err != nil {
		c.mu.Lock()
		if c.rooms[room] == roomJoining {
			c.rooms[room] = roomPending
		}
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	st, ok := c.rooms[room]
	if ok && st == roomJoining {
		c.rooms[room] = roomJoined
	}
	c.mu.Unlock()
	if !ok {
		return c.tr.Leave(ctx, room)
	}
	return nil
}

// Leave removes orderID's room. Leaving a room never joined is a no-op.
func (c *Channel) Leave(ctx context.Context, orderID string) error {
	room := RoomFor(orderID)
	c.mu.Lock()
	st, ok := c.rooms[room]
	delete(c.rooms, room)
	started := c.started && !c.closed
	c.mu.Unlock()

	// an in-flight join leaves the room itself once it sees it is gone
	if !ok || !started || st != roomJoined {
		return nil
	}
	if err := c.tr.Leave(ctx, room); err != nil {
		c.log.Warn("room_leave_failed", map[string]any{"room": room, "error": err.Error()})
		return err
	}
	c.log.Debug("room_left", map[string]any{"room": room})
	return nil
}

func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.rooms))
}

// Publish sends one event into orderID's room. Failures are logged and
// returned but never retried; position updates are superseded anyway.
func (c *Channel) Publish(ctx context.Context, orderID string, typ domain.EventType, payload any) (domain.Event, error) {
	ev, err := domain.NewEvent(typ, orderID, payload)
	if err != nil {
		return domain.Event{}, err
	}
	ev.Origin = c.clientID
	if err := c.send(ctx, ev); err != nil {
		c.log.Warn("publish_failed", map[string]any{"order_id": orderID, "type": string(typ), "error": err.Error()})
		return ev, err
	}
	return ev, nil
}

// PublishStatus publishes a status event, retrying with exponential
// backoff. Receivers treat a repeated status as a no-op.
func (c *Channel) PublishStatus(ctx context.Context, se domain.StatusEvent) error {
	ev, err := domain.NewEvent(domain.EventStatus, se.OrderID, se)
	if err != nil {
		return err
	}
	ev.Origin = c.clientID

	wait := c.backoff
	for attempt := 0; ; attempt++ {
		err = c.send(ctx, ev)
		if err == nil || attempt >= c.retries || errors.Is(err, ErrClosed) {
			break
		}
		c.log.Warn("status_publish_retry", map[string]any{"order_id": se.OrderID, "attempt": attempt + 1, "error": err.Error()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	if err != nil {
		c.log.Error("status_publish_failed", err, map[string]any{"order_id": se.OrderID, "status": string(se.NewStatus)})
	}
	return err
}

func (c *Channel) send(ctx context.Context, ev domain.Event) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.tr.Publish(ctx, RoomFor(ev.OrderID), b)
}

// Subscribe registers h for inbound events of orderID. Handlers run on the
// dispatch goroutine in delivery order. The returned func unsubscribes.
func (c *Channel) Subscribe(orderID string, h Handler) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[orderID] == nil {
		c.subs[orderID] = make(map[int]Handler)
	}
	c.subs[orderID][id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs[orderID], id)
			if len(c.subs[orderID]) == 0 {
				delete(c.subs, orderID)
			}
		})
	}
}

// Close stops dispatching and closes the transport.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.tr.Close()
	c.wg.Wait()
	c.log.Info("channel_closed", map[string]any{"client_id": c.clientID})
	return err
}

func (c *Channel) dispatch(ctx context.Context) {
	defer c.wg.Done()
	msgs := c.tr.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			c.deliver(m)
		}
	}
}

func (c *Channel) deliver(m Message) {
	var ev domain.Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		c.log.Warn("bad_event", map[string]any{"room": m.Room, "error": err.Error()})
		return
	}
	if ev.Origin != "" && ev.Origin == c.clientID {
		return
	}
	c.mu.Lock()
	subs := c.subs[ev.OrderID]
	hs := make([]Handler, 0, len(subs))
	for _, id := range slices.Sorted(maps.Keys(subs)) {
		hs = append(hs, subs[id])
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

func (c *Channel) watchReconnect(ctx context.Context) {
	defer c.wg.Done()
	sig := c.tr.Reconnected()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sig:
			if !ok {
				return
			}
			c.mu.Lock()
			for r := range c.rooms {
				c.rooms[r] = roomPending
			}
			c.mu.Unlock()
			c.log.Info("transport_reconnected", map[string]any{"rooms": len(c.Rooms())})
			c.rejoin(ctx)
		}
	}
}

func (c *Channel) rejoin(ctx context.Context) {
	for _, room := range c.Rooms() {
		c.mu.Lock()
		st, ok := c.rooms[room]
		if !ok || st != roomPending {
			c.mu.Unlock()
			continue
		}
		c.rooms[room] = roomJoining
		c.mu.Unlock()
		if err := c.joinRoom(ctx, room); err != nil {
			c.log.Warn("room_rejoin_failed", map[string]any{"room": room, "error": err.Error()})
		}
	}
}
