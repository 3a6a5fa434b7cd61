package domain

type CreateOrderRequest struct {
	CustomerName       string      `json:"customer_name" validate:"required"`
	RestaurantLocation Coordinates `json:"restaurant_location" validate:"required"`
}

type CreateOrderResponse struct {
	OrderID          string `json:"order_id"`
	Status           Status `json:"status"`
	VerificationCode string `json:"verification_code"`
}

type TransitionRequest struct {
	Status Status `json:"status" validate:"required"`
	Note   string `json:"note"`
}

type VerifyPickupRequest struct {
	Code string `json:"code" validate:"required"`
}

// PositionUpdateResult is the server's view of a reported sample. It supersedes the client's own computation.
type PositionUpdateResult struct {
	DistanceMeters float64  `json:"distance_meters"`
	RingTag        string   `json:"ring_tag,omitempty"`
	EtaSeconds     *float64 `json:"eta_seconds,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// TimelineResponse lists the tracking events of one order, oldest first.
type TimelineResponse struct {
	OrderID string          `json:"order_id"`
	Events  []TrackingEvent `json:"events"`
}
