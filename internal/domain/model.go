package domain

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusEnRoute   Status = "en_route"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every order status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusEnRoute,
	StatusCompleted,
	StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// StatusChange is one append-only entry of an order's status history.
type StatusChange struct {
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
	Note      string    `json:"note,omitempty"`
	Source    string    `json:"source"`
	ChangedBy string    `json:"changed_by,omitempty"`
}

type Order struct {
	ID                 string         `json:"id"`
	CustomerName       string         `json:"customer_name,omitempty"`
	Status             Status         `json:"status"`
	StatusHistory      []StatusChange `json:"status_history"`
	RestaurantLocation Coordinates    `json:"restaurant_location"`
	VerificationCode   string         `json:"-"`
	CodeConsumed       bool           `json:"code_consumed"`
	CreatedAt          time.Time      `json:"created_at"`
}

// LastChange returns the most recent history entry, if any.
func (o Order) LastChange() (StatusChange, bool) {
	if len(o.StatusHistory) == 0 {
		return StatusChange{}, false
	}
	return o.StatusHistory[len(o.StatusHistory)-1], true
}

// PositionSample is one raw geolocation reading.
type PositionSample struct {
	Coordinates    Coordinates `json:"coordinates" validate:"required"`
	AccuracyMeters float64     `json:"accuracy_meters" validate:"gte=0"`
	SpeedMps       *float64    `json:"speed_mps,omitempty" validate:"omitempty,gte=0"`
	HeadingDegrees *float64    `json:"heading_degrees,omitempty" validate:"omitempty,gte=0,lt=360"`
	CapturedAt     time.Time   `json:"captured_at" validate:"required"`
}

// ProximityFact is derived from a sample and the restaurant location. It is never stored on its own.
type ProximityFact struct {
	DistanceMeters float64  `json:"distance_meters"`
	RingTag        string   `json:"ring_tag"`
	EtaSeconds     *float64 `json:"eta_seconds,omitempty"`
}
