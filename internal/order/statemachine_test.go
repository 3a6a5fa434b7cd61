package order

import (
	"errors"
	"testing"

	"order-tracking/internal/domain"
)

func orderIn(status domain.Status) domain.Order {
	return domain.Order{
		ID:     "ord-1",
		Status: status,
		StatusHistory: []domain.StatusChange{
			{Status: status, Source: string(SourceLocal)},
		},
		VerificationCode: "123456",
	}
}

func TestApplyTransitionTable(t *testing.T) {
	allowed := map[[2]domain.Status]bool{
		{domain.StatusPending, domain.StatusConfirmed}:   true,
		{domain.StatusPending, domain.StatusCancelled}:   true,
		{domain.StatusConfirmed, domain.StatusPreparing}: true,
		{domain.StatusConfirmed, domain.StatusCancelled}: true,
		{domain.StatusPreparing, domain.StatusReady}:     true,
		{domain.StatusPreparing, domain.StatusCancelled}: true,
		{domain.StatusReady, domain.StatusEnRoute}:       true,
		{domain.StatusReady, domain.StatusCompleted}:     true,
		{domain.StatusEnRoute, domain.StatusCompleted}:   true,
	}

	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				o := orderIn(from)
				out, err := ApplyTransition(o, to, SourceLocal)
				if allowed[[2]domain.Status{from, to}] {
					if err != nil {
						t.Fatalf("expected accept, got %v", err)
					}
					if !out.Applied || out.Order.Status != to {
						t.Fatalf("expected status %s applied, got %+v", to, out)
					}
					if got := len(out.Order.StatusHistory); got != 2 {
						t.Fatalf("expected exactly one appended history entry, got %d entries", got)
					}
					if o.Status != from || len(o.StatusHistory) != 1 {
						t.Fatalf("input order was mutated: %+v", o)
					}
					return
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				if out.Order.Status != from || len(out.Order.StatusHistory) != 1 {
					t.Fatalf("rejected transition changed the order: %+v", out.Order)
				}
			})
		}
	}
}

func TestRemoteRedundantIsNoop(t *testing.T) {
	o := orderIn(domain.StatusPreparing)
	out, err := ApplyTransition(o, domain.StatusPreparing, SourceRemote)
	if err != nil {
		t.Fatalf("redundant remote event should be accepted: %v", err)
	}
	if out.Applied {
		t.Fatal("redundant remote event should not be applied")
	}
	if len(out.Order.StatusHistory) != 1 {
		t.Fatalf("history grew on no-op: %d", len(out.Order.StatusHistory))
	}

	_, err = ApplyTransition(o, domain.StatusPreparing, SourceLocal)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("local self-transition should be invalid, got %v", err)
	}
}

func TestRemoteImpossibleTransitionRejected(t *testing.T) {
	o := orderIn(domain.StatusReady)
	_, err := ApplyTransition(o, domain.StatusCancelled, SourceRemote)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected *InvalidTransitionError, got %v", err)
	}
	if ite.From != domain.StatusReady || ite.To != domain.StatusCancelled || ite.Source != SourceRemote {
		t.Errorf("unexpected error fields: %+v", ite)
	}
}

func TestApplyDoesNotAliasHistory(t *testing.T) {
	base := orderIn(domain.StatusPending)
	base.StatusHistory = make([]domain.StatusChange, 1, 8)
	base.StatusHistory[0] = domain.StatusChange{Status: domain.StatusPending}

	a, err := ApplyTransition(base, domain.StatusConfirmed, SourceLocal)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ApplyTransition(base, domain.StatusCancelled, SourceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if a.Order.StatusHistory[1].Status != domain.StatusConfirmed {
		t.Errorf("first branch history overwritten: %+v", a.Order.StatusHistory)
	}
	if b.Order.StatusHistory[1].Status != domain.StatusCancelled {
		t.Errorf("second branch history wrong: %+v", b.Order.StatusHistory)
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		status   domain.Status
		tracking bool
		cancel   bool
		pickup   bool
		terminal bool
	}{
		{domain.StatusPending, false, true, false, false},
		{domain.StatusConfirmed, true, true, false, false},
		{domain.StatusPreparing, true, true, false, false},
		{domain.StatusReady, true, false, true, false},
		{domain.StatusEnRoute, true, false, false, false},
		{domain.StatusCompleted, false, false, false, true},
		{domain.StatusCancelled, false, false, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := RequiresTracking(tt.status); got != tt.tracking {
				t.Errorf("RequiresTracking = %v, want %v", got, tt.tracking)
			}
			if got := CanCancel(tt.status); got != tt.cancel {
				t.Errorf("CanCancel = %v, want %v", got, tt.cancel)
			}
			if got := CanVerifyPickup(tt.status); got != tt.pickup {
				t.Errorf("CanVerifyPickup = %v, want %v", got, tt.pickup)
			}
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestVerifyPickup(t *testing.T) {
	o := orderIn(domain.StatusReady)

	if _, err := VerifyPickup(o, "000000", "counter"); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}

	out, err := VerifyPickup(o, "123456", "counter")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Order.Status != domain.StatusCompleted || !out.Order.CodeConsumed {
		t.Fatalf("unexpected order after verify: %+v", out.Order)
	}

	if _, err := VerifyPickup(out.Order, "123456", "counter"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second verify should fail on completed order, got %v", err)
	}

	consumed := orderIn(domain.StatusReady)
	consumed.CodeConsumed = true
	if _, err := VerifyPickup(consumed, "123456", "counter"); !errors.Is(err, ErrCodeConsumed) {
		t.Fatalf("expected ErrCodeConsumed, got %v", err)
	}

	if _, err := VerifyPickup(orderIn(domain.StatusPreparing), "123456", "counter"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("verify before ready should be invalid, got %v", err)
	}
}

func TestNewOrder(t *testing.T) {
	o, err := NewOrder("", "Ana", domain.Coordinates{Lat: 4.6097, Lng: -74.0817})
	if err != nil {
		t.Fatal(err)
	}
	if o.ID == "" {
		t.Error("expected generated id")
	}
	if o.Status != domain.StatusPending || len(o.StatusHistory) != 1 {
		t.Errorf("unexpected initial state: %+v", o)
	}
	if len(o.VerificationCode) != codeDigits {
		t.Errorf("verification code %q should have %d digits", o.VerificationCode, codeDigits)
	}
}
