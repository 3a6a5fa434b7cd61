package syncchan

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"order-tracking/internal/common/auth"
	"order-tracking/internal/domain"
)

var testSecret = []byte("relay-secret")

func startRelay(t *testing.T) (*Relay, string) {
	t.Helper()
	r := NewRelay(testSecret, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		r.Kick()
		srv.Close()
	})
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func wsChannel(t *testing.T, url, id string) (*Channel, *auth.TokenSource) {
	t.Helper()
	ts, err := auth.NewTokenSource(testSecret, id, "courier", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c := New(NewWSTransport(url, ts, nil, WSOptions{}), nil, WithClientID(id))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, ts
}

// publishUntil republishes until got yields an event, covering the window in
// which a reconnected client has not re-joined yet.
func publishUntil(t *testing.T, c *Channel, orderID string, got <-chan domain.Event) domain.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		_, _ = c.Publish(context.Background(), orderID, domain.EventPosition, domain.PositionEvent{OrderID: orderID})
		select {
		case ev := <-got:
			return ev
		case <-deadline:
			t.Fatal("no event received")
		case <-tick.C:
		}
	}
}

func TestWSRoundTrip(t *testing.T) {
	relay, url := startRelay(t)
	a, _ := wsChannel(t, url, "agent")
	b, _ := wsChannel(t, url, "customer")
	ctx := context.Background()

	got := make(chan domain.Event, 16)
	b.Subscribe("o1", func(ev domain.Event) { got <- ev })
	if err := b.Join(ctx, "o1"); err != nil {
		t.Fatal(err)
	}

	ev := publishUntil(t, a, "o1", got)
	if ev.Origin != "agent" || ev.OrderID != "o1" {
		t.Fatalf("event = %+v", ev)
	}
	if relay.Auths() != 2 {
		t.Errorf("auths = %d, want 2", relay.Auths())
	}
}

func TestWSReconnectRejoinsRooms(t *testing.T) {
	relay, url := startRelay(t)
	a, _ := wsChannel(t, url, "agent")
	b, _ := wsChannel(t, url, "customer")

	got := make(chan domain.Event, 64)
	b.Subscribe("o1", func(ev domain.Event) { got <- ev })
	_ = b.Join(context.Background(), "o1")
	publishUntil(t, a, "o1", got)

	relay.Kick()
	waitFor(t, "clients to re-authenticate", func() bool { return relay.Auths() >= 4 })

	for len(got) > 0 {
		<-got
	}
	publishUntil(t, a, "o1", got)
}

func TestWSTokenRotationForcesReconnect(t *testing.T) {
	relay, url := startRelay(t)
	_, ts := wsChannel(t, url, "agent")

	if err := ts.Rotate(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reconnect with rotated token", func() bool { return relay.Auths() == 2 })
}

func TestWSAuthRejected(t *testing.T) {
	_, url := startRelay(t)
	tr := NewWSTransport(url, StaticToken("not-a-jwt"), nil, WSOptions{})
	defer tr.Close()
	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
}

func TestLocalTransportSharesRelayRooms(t *testing.T) {
	relay, url := startRelay(t)
	svc := New(relay.Local(), nil, WithClientID("tracking-service"))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	agent, _ := wsChannel(t, url, "agent")

	fromAgent := make(chan domain.Event, 16)
	svc.Subscribe("o9", func(ev domain.Event) { fromAgent <- ev })
	_ = svc.Join(context.Background(), "o9")

	got := make(chan domain.Event, 16)
	agent.Subscribe("o9", func(ev domain.Event) { got <- ev })
	_ = agent.Join(context.Background(), "o9")

	deadline := time.After(5 * time.Second)
	for {
		_ = svc.PublishStatus(context.Background(), domain.StatusEvent{OrderID: "o9", NewStatus: domain.StatusConfirmed})
		select {
		case ev := <-got:
			if ev.Type != domain.EventStatus {
				t.Fatalf("event = %+v", ev)
			}
			publishUntil(t, agent, "o9", fromAgent)
			return
		case <-deadline:
			t.Fatal("agent never received status")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
