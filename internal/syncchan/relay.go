package syncchan

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"order-tracking/internal/common/auth"
	"order-tracking/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	relayPingPeriod = 30 * time.Second
	relayPongWait   = 60 * time.Second
	relayWriteWait  = 5 * time.Second
	relayAuthWait   = 5 * time.Second
)

// Relay is the server side of the realtime channel: websocket clients
// authenticate with a JWT, join order rooms and publish into them.
type Relay struct {
	secret []byte
	log    *logger.Logger

	mu      sync.Mutex
	clients map[*relayClient]struct{}
	locals  map[*LocalTransport]struct{}
	auths   atomic.Int64
}

func NewRelay(secret []byte, lg *logger.Logger) *Relay {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Relay{
		secret:  secret,
		log:     lg,
		clients: make(map[*relayClient]struct{}),
		locals:  make(map[*LocalTransport]struct{}),
	}
}

type relayClient struct {
	conn     *websocket.Conn
	clientID string

	mu    sync.Mutex
	rooms map[string]struct{}

	send chan Frame
	done chan struct{}
	once sync.Once
}

func (c *relayClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *relayClient) push(f Frame) {
	select {
	case <-c.done:
	case c.send <- f:
	}
}

func (c *relayClient) member(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error("ws_upgrade_failed", err, nil)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(relayAuthWait))
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		r.log.Warn("websocket_auth_timeout", map[string]any{"error": err.Error()})
		_ = conn.Close()
		return
	}
	if hello.Type != FrameAuth {
		_ = conn.WriteJSON(Frame{Type: FrameError, Error: "expected auth frame, got " + hello.Type})
		_ = conn.Close()
		return
	}
	claims, err := auth.ParseToken(hello.Token, r.secret)
	if err != nil {
		_ = conn.WriteJSON(Frame{Type: FrameError, Error: err.Error()})
		_ = conn.Close()
		return
	}
	r.auths.Add(1)
	if err := conn.WriteJSON(Frame{Type: FrameReady}); err != nil {
		_ = conn.Close()
		return
	}

	c := &relayClient{
		conn:     conn,
		clientID: claims.ClientID,
		rooms:    make(map[string]struct{}),
		send:     make(chan Frame, 64),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		c.close()
	}()
	r.log.Debug("ws_client_connected", map[string]any{"client_id": c.clientID})

	go r.writer(c)
	r.reader(c)
}

func (r *Relay) reader(c *relayClient) {
	_ = c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case FrameJoin:
			c.mu.Lock()
			c.rooms[f.Room] = struct{}{}
			c.mu.Unlock()
		case FrameLeave:
			c.mu.Lock()
			delete(c.rooms, f.Room)
			c.mu.Unlock()
		case FramePublish:
			r.Broadcast(f.Room, f.Data)
		default:
			c.push(Frame{Type: FrameError, Error: "unknown frame type " + f.Type})
		}
	}
}

func (r *Relay) writer(c *relayClient) {
	tk := time.NewTicker(relayPingPeriod)
	defer tk.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-tk.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(relayWriteWait)); err != nil {
				return
			}
		}
	}
}

// Broadcast delivers data to every member of room, publisher included.
func (r *Relay) Broadcast(room string, data json.RawMessage) {
	r.mu.Lock()
	var targets []*relayClient
	for c := range r.clients {
		if c.member(room) {
			targets = append(targets, c)
		}
	}
	var locals []*LocalTransport
	for l := range r.locals {
		if l.member(room) {
			locals = append(locals, l)
		}
	}
	r.mu.Unlock()

	f := Frame{Type: FrameMessage, Room: room, Data: data}
	for _, c := range targets {
		c.push(f)
	}
	for _, l := range locals {
		l.enqueue(Message{Room: room, Data: data})
	}
}

// Kick disconnects every websocket client. Clients reconnect on their own.
func (r *Relay) Kick() {
	r.mu.Lock()
	cs := make([]*relayClient, 0, len(r.clients))
	for c := range r.clients {
		cs = append(cs, c)
	}
	r.mu.Unlock()
	for _, c := range cs {
		c.close()
	}
}

func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Auths counts successful authentications since start.
func (r *Relay) Auths() int { return int(r.auths.Load()) }

// Local returns an in-process Transport attached to the relay, used by the
// service that hosts it.
func (r *Relay) Local() *LocalTransport {
	l := &LocalTransport{
		relay: r,
		rooms: make(map[string]struct{}),
		msgs:  make(chan Message, 256),
		done:  make(chan struct{}),
	}
	r.mu.Lock()
	r.locals[l] = struct{}{}
	r.mu.Unlock()
	return l
}

type LocalTransport struct {
	relay *Relay

	mu    sync.Mutex
	rooms map[string]struct{}
	msgs  chan Message
	done  chan struct{}
	once  sync.Once
}

func (l *LocalTransport) Connect(context.Context) error { return nil }

func (l *LocalTransport) Join(_ context.Context, room string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms[room] = struct{}{}
	return nil
}

func (l *LocalTransport) Leave(_ context.Context, room string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, room)
	return nil
}

func (l *LocalTransport) Publish(_ context.Context, room string, data []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.relay.Broadcast(room, append(json.RawMessage(nil), data...))
	return nil
}

func (l *LocalTransport) Messages() <-chan Message { return l.msgs }

func (l *LocalTransport) Reconnected() <-chan struct{} { return nil }

func (l *LocalTransport) Close() error {
	l.once.Do(func() {
		l.relay.mu.Lock()
		delete(l.relay.locals, l)
		l.relay.mu.Unlock()
		close(l.done)
	})
	return nil
}

func (l *LocalTransport) member(room string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rooms[room]
	return ok
}

func (l *LocalTransport) enqueue(m Message) {
	select {
	case l.msgs <- m:
	case <-l.done:
	}
}
