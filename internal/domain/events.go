package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStatus    EventType = "status"
	EventPosition  EventType = "position"
	EventProximity EventType = "proximity"
)

// Event is the envelope carried by the realtime channel for one order room.
type Event struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	OrderID string          `json:"order_id"`
	Origin  string          `json:"origin,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Data    json.RawMessage `json:"data"`
}

func NewEvent(typ EventType, orderID string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		OrderID: orderID,
		SentAt:  time.Now().UTC(),
		Data:    b,
	}, nil
}

func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type StatusEvent struct {
	OrderID   string    `json:"order_id"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	ChangedBy string    `json:"changed_by"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PositionEvent struct {
	OrderID string         `json:"order_id"`
	Sample  PositionSample `json:"sample"`
	Fact    *ProximityFact `json:"fact,omitempty"`
}

// KitchenTicket is published to orders_topic when an order is confirmed.
type KitchenTicket struct {
	OrderID      string    `json:"order_id"`
	CustomerName string    `json:"customer_name"`
	Priority     int       `json:"priority"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
}

// TrackingEvent is one persisted entry of an order's timeline.
type TrackingEvent struct {
	OrderID    string          `json:"order_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}
