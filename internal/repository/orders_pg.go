package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-tracking/internal/domain"
)

var (
	ErrNotFound = errors.New("order not found")
	ErrExists   = errors.New("order already exists")
)

type Orders interface {
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	// Update loads the order, applies fn and persists the result atomically.
	// History entries appended by fn are written to order_status_log.
	Update(ctx context.Context, id string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error)
}

type ordersPG struct {
	pool *pgxpool.Pool
}

func NewOrdersPG(pool *pgxpool.Pool) Orders { return &ordersPG{pool: pool} }

func (r *ordersPG) Create(ctx context.Context, o domain.Order) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO orders
		    (id, customer_name, status, restaurant_lat, restaurant_lng, verification_code, code_consumed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING
	`, o.ID, o.CustomerName, string(o.Status), o.RestaurantLocation.Lat, o.RestaurantLocation.Lng,
		o.VerificationCode, o.CodeConsumed, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	if err = insertHistory(ctx, tx, o.ID, o.StatusHistory); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *ordersPG) Get(ctx context.Context, id string) (domain.Order, error) {
	return load(ctx, r.pool, id, false)
}

func (r *ordersPG) Update(ctx context.Context, id string, fn func(domain.Order) (domain.Order, error)) (out domain.Order, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cur, err := load(ctx, tx, id, true)
	if err != nil {
		return domain.Order{}, err
	}
	next, err := fn(cur)
	if err != nil {
		return domain.Order{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE orders SET status=$2, code_consumed=$3, updated_at=now()
		WHERE id=$1
	`, id, string(next.Status), next.CodeConsumed); err != nil {
		return domain.Order{}, fmt.Errorf("failed to update order: %w", err)
	}
	if len(next.StatusHistory) > len(cur.StatusHistory) {
		if err = insertHistory(ctx, tx, id, next.StatusHistory[len(cur.StatusHistory):]); err != nil {
			return domain.Order{}, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func load(ctx context.Context, q querier, id string, lock bool) (domain.Order, error) {
	query := `
		SELECT id, customer_name, status, restaurant_lat, restaurant_lng, verification_code, code_consumed, created_at
		FROM orders WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	var o domain.Order
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&o.ID, &o.CustomerName, &status,
		&o.RestaurantLocation.Lat, &o.RestaurantLocation.Lng, &o.VerificationCode, &o.CodeConsumed, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to load order: %w", err)
	}
	o.Status = domain.Status(status)

	rows, err := q.Query(ctx, `
		SELECT status, changed_at, notes, source, changed_by
		FROM order_status_log WHERE order_id=$1
		ORDER BY changed_at ASC, id ASC
	`, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to load history: %w", err)
	}
	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StatusChange, error) {
		var c domain.StatusChange
		var st string
		err := row.Scan(&st, &c.At, &c.Note, &c.Source, &c.ChangedBy)
		c.Status = domain.Status(st)
		c.At = c.At.UTC()
		return c, err
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to load history: %w", err)
	}
	o.StatusHistory = history
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, orderID string, changes []domain.StatusChange) error {
	batch := &pgx.Batch{}
	for _, c := range changes {
		at := c.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO order_status_log (order_id, status, changed_by, source, notes, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, orderID, string(c.Status), c.ChangedBy, c.Source, c.Note, at)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert order status log: %w", err)
	}
	return nil
}
