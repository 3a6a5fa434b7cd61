package syncchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"order-tracking/internal/common/logger"
)

var ErrAuthRejected = errors.New("realtime auth rejected")

// TokenProvider supplies the auth token for each (re)connect. A value on
// Rotated forces a reconnect with the new token.
type TokenProvider interface {
	Token() string
	Rotated() <-chan struct{}
}

type staticToken string

func (s staticToken) Token() string            { return string(s) }
func (s staticToken) Rotated() <-chan struct{} { return nil }

func StaticToken(tok string) TokenProvider { return staticToken(tok) }

// Frame is the wire format of the realtime relay.
type Frame struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

const (
	FrameAuth    = "auth"
	FrameReady   = "ready"
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FramePublish = "publish"
	FrameMessage = "message"
	FrameError   = "error"
)

type WSOptions struct {
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxBackoff   time.Duration
	HandshakeTTL time.Duration
}

func (o *WSOptions) defaults() {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.HandshakeTTL <= 0 {
		o.HandshakeTTL = 5 * time.Second
	}
}

// WSTransport is a websocket client for the realtime relay.
type WSTransport struct {
	url    string
	tokens TokenProvider
	log    *logger.Logger
	opts   WSOptions
	dialer *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	msgs        chan Message
	reconnected chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewWSTransport(url string, tokens TokenProvider, lg *logger.Logger, opts WSOptions) *WSTransport {
	opts.defaults()
	if lg == nil {
		lg = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		url:         url,
		tokens:      tokens,
		log:         lg,
		opts:        opts,
		dialer:      &websocket.Dialer{HandshakeTimeout: opts.HandshakeTTL},
		msgs:        make(chan Message, 256),
		reconnected: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (t *WSTransport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.setConn(conn)
	t.wg.Add(1)
	go t.run(conn)
	return nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
	if err := conn.WriteJSON(Frame{Type: FrameAuth, Token: t.tokens.Token()}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(t.opts.HandshakeTTL))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	if f.Type != FrameReady {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, f.Error)
	}

	_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	})
	return conn, nil
}

func (t *WSTransport) run(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		t.serve(conn)
		t.setConn(nil)
		if t.ctx.Err() != nil {
			return
		}
		t.log.Warn("realtime_disconnected", map[string]any{"url": t.url})
		conn = t.reconnect()
		if conn == nil {
			return
		}
		t.setConn(conn)
		t.log.Info("realtime_reconnected", map[string]any{"url": t.url})
		select {
		case t.reconnected <- struct{}{}:
		default:
		}
	}
}

// serve reads frames until conn breaks.
func (t *WSTransport) serve(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go t.keepalive(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.log.Warn("bad_frame", map[string]any{"error": err.Error()})
			continue
		}
		switch f.Type {
		case FrameMessage:
			select {
			case t.msgs <- Message{Room: f.Room, Data: f.Data}:
			case <-t.ctx.Done():
				return
			}
		case FrameError:
			t.log.Warn("relay_error", map[string]any{"error": f.Error, "room": f.Room})
		}
	}
}

func (t *WSTransport) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	tk := time.NewTicker(t.opts.PingPeriod)
	defer tk.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.ctx.Done():
			_ = conn.Close()
			return
		case <-t.tokens.Rotated():
			t.log.Info("token_rotated", nil)
			_ = conn.Close()
			return
		case <-tk.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(t.opts.WriteWait))
			t.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *WSTransport) reconnect() *websocket.Conn {
	wait := 250 * time.Millisecond
	for {
		conn, err := t.dial(t.ctx)
		if err == nil {
			return conn
		}
		t.log.Debug("realtime_reconnect_failed", map[string]any{"error": err.Error(), "retry_in": wait.String()})
		select {
		case <-t.ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, t.opts.MaxBackoff)
	}
}

func (t *WSTransport) setConn(c *websocket.Conn) {
	t.connMu.Lock()
	t.conn = c
	t.connMu.Unlock()
}

func (t *WSTransport) write(f Frame) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
	return conn.WriteJSON(f)
}

func (t *WSTransport) Join(_ context.Context, room string) error {
	return t.write(Frame{Type: FrameJoin, Room: room})
}

func (t *WSTransport) Leave(_ context.Context, room string) error {
	return t.write(Frame{Type: FrameLeave, Room: room})
}

func (t *WSTransport) Publish(_ context.Context, room string, data []byte) error {
	return t.write(Frame{Type: FramePublish, Room: room, Data: data})
}

func (t *WSTransport) Messages() <-chan Message { return t.msgs }

func (t *WSTransport) Reconnected() <-chan struct{} { return t.reconnected }

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
		t.wg.Wait()
		close(t.msgs)
	})
	return nil
}
