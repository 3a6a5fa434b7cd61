// Package order holds the order lifecycle rules: which status changes are
// allowed, which statuses need live tracking, and pickup verification.
package order

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"order-tracking/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrCodeMismatch      = errors.New("verification code mismatch")
	ErrCodeConsumed      = errors.New("verification code already used")
)

type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

type InvalidTransitionError struct {
	From   domain.Status
	To     domain.Status
	Source Source
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order transition %s -> %s (%s) not allowed", e.From, e.To, e.Source)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

var edges = map[domain.Status][]domain.Status{
	domain.StatusPending:   {domain.StatusConfirmed, domain.StatusCancelled},
	domain.StatusConfirmed: {domain.StatusPreparing, domain.StatusCancelled},
	domain.StatusPreparing: {domain.StatusReady, domain.StatusCancelled},
	domain.StatusReady:     {domain.StatusEnRoute, domain.StatusCompleted},
	domain.StatusEnRoute:   {domain.StatusCompleted},
}

func CanTransition(from, to domain.Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s domain.Status) bool {
	return s == domain.StatusCompleted || s == domain.StatusCancelled
}

// RequiresTracking is the single decision point for whether a session should be sampling.
func RequiresTracking(s domain.Status) bool {
	switch s {
	case domain.StatusConfirmed, domain.StatusPreparing, domain.StatusReady, domain.StatusEnRoute:
		return true
	default:
		return false
	}
}

func CanCancel(s domain.Status) bool {
	return CanTransition(s, domain.StatusCancelled)
}

func CanVerifyPickup(s domain.Status) bool {
	return s == domain.StatusReady
}

type Change struct {
	To        domain.Status
	Source    Source
	ChangedBy string
	Note      string
	At        time.Time
}

// Outcome reports the order after a transition attempt. Applied is false for
// remote events that only restate the current status.
type Outcome struct {
	Order   domain.Order
	Applied bool
}

func ApplyTransition(o domain.Order, to domain.Status, src Source) (Outcome, error) {
	return Apply(o, Change{To: to, Source: src})
}

// Apply validates c against the allowed-edge table. The input order is never
// mutated; on success the returned order carries exactly one new history entry.
func Apply(o domain.Order, c Change) (Outcome, error) {
	if c.To == o.Status && c.Source == SourceRemote {
		return Outcome{Order: o}, nil
	}
	if !CanTransition(o.Status, c.To) {
		return Outcome{Order: o}, &InvalidTransitionError{From: o.Status, To: c.To, Source: c.Source}
	}
	at := c.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	history := make([]domain.StatusChange, len(o.StatusHistory), len(o.StatusHistory)+1)
	copy(history, o.StatusHistory)
	history = append(history, domain.StatusChange{
		Status:    c.To,
		At:        at,
		Note:      c.Note,
		Source:    string(c.Source),
		ChangedBy: c.ChangedBy,
	})
	o.Status = c.To
	o.StatusHistory = history
	return Outcome{Order: o, Applied: true}, nil
}

// VerifyPickup consumes the verification code once and completes the order.
func VerifyPickup(o domain.Order, code string, changedBy string) (Outcome, error) {
	if !CanVerifyPickup(o.Status) {
		return Outcome{Order: o}, &InvalidTransitionError{From: o.Status, To: domain.StatusCompleted, Source: SourceLocal}
	}
	if o.CodeConsumed {
		return Outcome{Order: o}, ErrCodeConsumed
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(o.VerificationCode)) != 1 {
		return Outcome{Order: o}, ErrCodeMismatch
	}
	out, err := Apply(o, Change{
		To:        domain.StatusCompleted,
		Source:    SourceLocal,
		ChangedBy: changedBy,
		Note:      "pickup verified",
	})
	if err != nil {
		return out, err
	}
	out.Order.CodeConsumed = true
	return out, nil
}

// NewOrder creates a pending order. An empty id gets a fresh uuid.
func NewOrder(id, customer string, restaurant domain.Coordinates) (domain.Order, error) {
	if id == "" {
		id = uuid.NewString()
	}
	code, err := newVerificationCode()
	if err != nil {
		return domain.Order{}, fmt.Errorf("verification code: %w", err)
	}
	now := time.Now().UTC()
	return domain.Order{
		ID:                 id,
		CustomerName:       customer,
		Status:             domain.StatusPending,
		RestaurantLocation: restaurant,
		VerificationCode:   code,
		CreatedAt:          now,
		StatusHistory: []domain.StatusChange{
			{Status: domain.StatusPending, At: now, Source: string(SourceLocal), Note: "order placed"},
		},
	}, nil
}

const codeDigits = 6

func newVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
