// Package order owns the pending -> (paid | canceled | expired) lifecycle,
// including stock release on cancellation/expiry and re-reservation when a
// terminal order is reactivated. Ownership of a cart's reservations
// transfers to the order at creation: the cart timer is cancelled, items
// move over, and the order gets its own (longer) expiration timer.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-cart-reservations.git/internal/jobs"
	"github.com/ariefcatur/go-cart-reservations.git/internal/notify"
	"github.com/ariefcatur/go-cart-reservations.git/internal/queue"
	"github.com/ariefcatur/go-cart-reservations.git/internal/scheduler"
	"github.com/ariefcatur/go-cart-reservations.git/internal/shop"
)

const expireAttempts = 3

type Service struct {
	DB     *pgxpool.Pool
	Sched  *scheduler.Scheduler
	Notify notify.Notifier
	TTL    time.Duration // pending-order lifetime
}

// Create builds an order from the user's cart in one transaction. The cart
// must hold at least one item; its expiration job is cancelled and its
// items transfer to the order without touching stock (the reservation
// simply changes owner).
func (s *Service) Create(ctx context.Context, userID, email string) (*shop.Order, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cartID string
	var jobQueue, jobID *string
	err = tx.QueryRow(ctx,
		`SELECT id, job_queue, job_id FROM carts WHERE user_id=$1 FOR UPDATE`,
		userID).Scan(&cartID, &jobQueue, &jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cart for user %s: %w", userID, shop.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT id, product_id, quantity, price_cents FROM cart_items WHERE cart_id=$1`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []shop.CartItem
	for rows.Next() {
		var it shop.CartItem
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Quantity, &it.PriceCents); err != nil {
			return nil, err
		}
		if it.Quantity > 0 {
			items = append(items, it)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", shop.ErrBadRequest)
	}

	now := time.Now().UTC()
	o := &shop.Order{
		ID:            uuid.NewString(),
		OrderNumber:   newOrderNumber(now),
		UserID:        userID,
		Status:        shop.StatusPending,
		PaymentStatus: shop.PaymentPending,
		CreatedAt:     now,
	}
	for _, it := range items {
		o.TotalCents += it.PriceCents * it.Quantity
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO orders(id, order_number, user_id, status, payment_status, total_cents)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		o.ID, o.OrderNumber, o.UserID, o.Status, o.PaymentStatus, o.TotalCents); err != nil {
		return nil, err
	}
	for _, it := range items {
		oi := shop.OrderItem{
			ID:         uuid.NewString(),
			OrderID:    o.ID,
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			PriceCents: it.PriceCents,
			IsActive:   true,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_items(id, order_id, product_id, quantity, price_cents, is_active)
			 VALUES ($1,$2,$3,$4,$5,TRUE)`,
			oi.ID, oi.OrderID, oi.ProductID, oi.Quantity, oi.PriceCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, oi)
	}

	// The cart timer hands the reservation over to the order timer.
	if jobQueue != nil && jobID != nil {
		s.Sched.CancelJob(ctx, scheduler.JobRef{Queue: *jobQueue, ID: *jobID})
	}
	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE carts SET expires_at=NULL, job_queue=NULL, job_id=NULL WHERE id=$1`, cartID); err != nil {
		return nil, err
	}

	if err := s.scheduleExpiration(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if email != "" {
		if err := s.Notify.Send(ctx, "order.created", email, "Order confirmation",
			map[string]any{"order_number": o.OrderNumber, "total_cents": o.TotalCents}); err != nil {
			log.Printf("order %s: created notice: %v", o.ID, err)
		}
	}
	return o, nil
}

// Cancel releases every still-active reservation and moves the order to
// canceled (or expired when the expiration path invokes it). Rejected for
// orders already terminal.
func (s *Service) Cancel(ctx context.Context, orderID string, expired bool) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("order %s: %w", orderID, shop.ErrNotFound)
	}
	if shop.Terminal(o.Status) {
		return fmt.Errorf("%w: order is already %s", shop.ErrBadRequest, o.Status)
	}

	to := shop.StatusCanceled
	if expired {
		to = shop.StatusExpired
	}
	if err := s.cancelLocked(ctx, tx, o, to); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateStatus is the generic transition. Moving to canceled/expired
// delegates to Cancel; leaving a terminal status re-reserves stock for
// every item and fails whole when any product is short.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to shop.Status) error {
	if !shop.ValidStatus(to) {
		return fmt.Errorf("%w: unknown status %q", shop.ErrBadRequest, to)
	}
	if shop.Terminal(to) {
		return s.Cancel(ctx, orderID, to == shop.StatusExpired)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("order %s: %w", orderID, shop.ErrNotFound)
	}
	if o.Status == to {
		return shop.ErrSameStatus
	}

	if o.Job != nil {
		s.Sched.CancelJob(ctx, *o.Job)
		if err := clearJob(ctx, tx, o.ID); err != nil {
			return err
		}
	}

	if shop.Terminal(o.Status) {
		// Reactivation: re-read the authoritative stock under lock and
		// re-decrement; a single short product aborts the whole move.
		items, err := loadItems(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.IsActive {
				// Should be impossible for a terminal order; double
				// reservation would violate conservation.
				return fmt.Errorf("order %s item %s still active in status %s", o.ID, it.ID, o.Status)
			}
			if _, err := shop.ReserveStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE order_items SET is_active=TRUE WHERE order_id=$1`, o.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET payment_status=$2, updated_at=now() WHERE id=$1`,
			o.ID, shop.PaymentPending); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, o.ID, to); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// HandleExpire fires from the work queue when a pending order was never
// paid. Idempotent: an order that already moved on is left alone.
func (s *Service) HandleExpire(ctx context.Context, j *queue.Job) error {
	var p jobs.OrderExpirePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return fmt.Errorf("decode order expire payload: %w", err)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := lockOrder(ctx, tx, p.Order.ID)
	if err != nil {
		return err
	}
	if o == nil || o.Status != shop.StatusPending {
		return nil // paid, shipped or already released; nothing to do
	}
	if o.Job == nil || o.Job.ID != j.ID {
		return nil // a newer expiration job owns this order
	}

	if err := s.cancelLocked(ctx, tx, o, shop.StatusExpired); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Printf("order %s expired, reservations released", o.ID)
	return nil
}

// Get loads the order with its items.
func (s *Service) Get(ctx context.Context, orderID string) (*shop.Order, error) {
	var o shop.Order
	var jobQueue, jobID *string
	err := s.DB.QueryRow(ctx,
		`SELECT id, order_number, user_id, status, payment_status, total_cents,
		        expires_at, job_queue, job_id, created_at, updated_at
		 FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.TotalCents,
			&o.ExpiresAt, &jobQueue, &jobID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, shop.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if jobQueue != nil && jobID != nil {
		o.Job = &scheduler.JobRef{Queue: *jobQueue, ID: *jobID}
	}

	rows, err := s.DB.Query(ctx,
		`SELECT id, order_id, product_id, quantity, price_cents, is_active
		 FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it shop.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.PriceCents, &it.IsActive); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

// ListByUser returns the user's orders, newest first, without items.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]shop.Order, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT id, order_number, user_id, status, payment_status, total_cents, created_at, updated_at
		 FROM orders WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []shop.Order
	for rows.Next() {
		var o shop.Order
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus,
			&o.TotalCents, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// cancelLocked does the shared cancellation work under an already-held row
// lock: cancel the timer, release every still-active item exactly once,
// mark the order terminal.
func (s *Service) cancelLocked(ctx context.Context, tx pgx.Tx, o *shop.Order, to shop.Status) error {
	if o.Job != nil {
		s.Sched.CancelJob(ctx, *o.Job)
	}

	items, err := loadItems(ctx, tx, o.ID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if !it.IsActive {
			continue // reservation already released
		}
		if err := shop.ReleaseStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE order_items SET is_active=FALSE WHERE order_id=$1 AND is_active`, o.ID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE orders SET status=$2, payment_status=$3, expires_at=NULL,
		        job_queue=NULL, job_id=NULL, updated_at=now()
		 WHERE id=$1`,
		o.ID, to, shop.PaymentCanceled)
	return err
}

func (s *Service) scheduleExpiration(ctx context.Context, tx pgx.Tx, o *shop.Order) error {
	var payload jobs.OrderExpirePayload
	payload.Order.ID = o.ID
	for _, it := range o.Items {
		payload.Order.Items = append(payload.Order.Items, jobs.OrderItemRef{
			ID: it.ID, ProductID: it.ProductID, Quantity: it.Quantity,
		})
	}
	expiresAt := time.Now().UTC().Add(s.TTL)
	ref, err := s.Sched.ScheduleJob(ctx, jobs.OrderExpire, payload, expiresAt, expireAttempts)
	if err != nil {
		return fmt.Errorf("schedule order expiration: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE orders SET expires_at=$2, job_queue=$3, job_id=$4 WHERE id=$1`,
		o.ID, expiresAt, ref.Queue, ref.ID); err != nil {
		return err
	}
	o.ExpiresAt = &expiresAt
	o.Job = &ref
	return nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, orderID string) (*shop.Order, error) {
	var o shop.Order
	var jobQueue, jobID *string
	err := tx.QueryRow(ctx,
		`SELECT id, order_number, user_id, status, payment_status, total_cents,
		        expires_at, job_queue, job_id
		 FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.TotalCents,
			&o.ExpiresAt, &jobQueue, &jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if jobQueue != nil && jobID != nil {
		o.Job = &scheduler.JobRef{Queue: *jobQueue, ID: *jobID}
	}
	return &o, nil
}

func loadItems(ctx context.Context, tx pgx.Tx, orderID string) ([]shop.OrderItem, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, order_id, product_id, quantity, price_cents, is_active
		 FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []shop.OrderItem
	for rows.Next() {
		var it shop.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.PriceCents, &it.IsActive); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func clearJob(ctx context.Context, tx pgx.Tx, orderID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE orders SET expires_at=NULL, job_queue=NULL, job_id=NULL WHERE id=$1`, orderID)
	return err
}

func newOrderNumber(t time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", t.Format("20060102"),
		strings.ToUpper(uuid.NewString()[:8]))
}
