package repository

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-tracking/internal/domain"
)

type TrackerRepoInterface interface {
	AppendEvent(ctx context.Context, e domain.TrackingEvent) error
	GetOrderTimeline(ctx context.Context, id string, limit, offset int) ([]domain.TrackingEvent, error)
}

type TrackerRepo struct {
	pool *pgxpool.Pool
}

func NewTrackerRepo(pool *pgxpool.Pool) *TrackerRepo { return &TrackerRepo{pool: pool} }

func (r *TrackerRepo) AppendEvent(ctx context.Context, e domain.TrackingEvent) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO order_events (order_id, event_type, payload, occurred_at)
VALUES ($1,$2,$3,$4)
`, e.OrderID, e.EventType, []byte(payload), e.OccurredAt)
	return err
}

func (r *TrackerRepo) GetOrderTimeline(ctx context.Context, id string, limit, offset int) ([]domain.TrackingEvent, error) {
	rows, err := r.pool.Query(ctx, `
SELECT event_type, payload, occurred_at
FROM order_events WHERE order_id=$1
ORDER BY occurred_at ASC, id ASC
LIMIT $2 OFFSET $3
`, id, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TrackingEvent, error) {
		e := domain.TrackingEvent{OrderID: id}
		var payload []byte
		var at time.Time
		if err := row.Scan(&e.EventType, &payload, &at); err != nil {
			return e, err
		}
		e.Payload = payload
		e.OccurredAt = at.UTC()
		return e, nil
	})
}

// MemoryTrackerRepo keeps the timeline in process.
type MemoryTrackerRepo struct {
	mu     sync.Mutex
	events map[string][]domain.TrackingEvent
}

func NewMemoryTrackerRepo() *MemoryTrackerRepo {
	return &MemoryTrackerRepo{events: make(map[string][]domain.TrackingEvent)}
}

func (r *MemoryTrackerRepo) AppendEvent(_ context.Context, e domain.TrackingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.OrderID] = append(r.events[e.OrderID], e)
	return nil
}

func (r *MemoryTrackerRepo) GetOrderTimeline(_ context.Context, id string, limit, offset int) ([]domain.TrackingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := slices.Clone(r.events[id])
	slices.SortStableFunc(evs, func(a, b domain.TrackingEvent) int { return a.OccurredAt.Compare(b.OccurredAt) })
	if offset >= len(evs) {
		return []domain.TrackingEvent{}, nil
	}
	evs = evs[offset:]
	if limit >= 0 && limit < len(evs) {
		evs = evs[:limit]
	}
	return evs, nil
}
