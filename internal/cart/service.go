// Package cart owns the reserve-on-add / release-on-remove / expire-on-
// timeout lifecycle for shopping carts. Every mutation runs in one
// transaction: the stock ledger, the cart rows and the (re)scheduling of
// the expiration job commit or roll back together.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
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
	TTL    time.Duration // cart lifetime from the last interaction
}

// AddItem reserves qty units of the product for the user's cart and
// restarts the expiration timer. Fails with InsufficientStockError and no
// partial reservation when stock is short.
func (s *Service) AddItem(ctx context.Context, userID, productID string, qty int, email string) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", shop.ErrBadRequest)
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cart, err := s.getOrCreateCart(ctx, tx, userID)
	if err != nil {
		return err
	}
	price, err := shop.ReserveStock(ctx, tx, productID, qty)
	if err != nil {
		return err
	}

	// Upsert: one row per (cart, product); repeated adds accumulate.
	ct, err := tx.Exec(ctx,
		`UPDATE cart_items SET quantity = quantity + $3 WHERE cart_id=$1 AND product_id=$2`,
		cart.ID, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO cart_items(id, cart_id, product_id, quantity, price_cents)
			 VALUES ($1,$2,$3,$4,$5)`,
			uuid.NewString(), cart.ID, productID, qty, price); err != nil {
			return err
		}
	}

	if err := s.refreshTimer(ctx, tx, cart, email); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateItem sets the item's quantity, reserving or releasing the delta,
// and restarts the expiration timer.
func (s *Service) UpdateItem(ctx context.Context, userID, itemID string, qty int, email string) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, remove the item instead", shop.ErrBadRequest)
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cart, err := s.getCart(ctx, tx, userID)
	if err != nil {
		return err
	}

	var productID string
	var oldQty int
	err = tx.QueryRow(ctx,
		`SELECT product_id, quantity FROM cart_items WHERE id=$1 AND cart_id=$2`,
		itemID, cart.ID).Scan(&productID, &oldQty)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("cart item %s: %w", itemID, shop.ErrNotFound)
	}
	if err != nil {
		return err
	}

	switch delta := qty - oldQty; {
	case delta > 0:
		if _, err := shop.ReserveStock(ctx, tx, productID, delta); err != nil {
			return err
		}
	case delta < 0:
		if err := shop.ReleaseStock(ctx, tx, productID, -delta); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE cart_items SET quantity=$2 WHERE id=$1`, itemID, qty); err != nil {
		return err
	}

	if err := s.refreshTimer(ctx, tx, cart, email); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RemoveItem releases the item's full reserved quantity back to stock.
// Removal does not extend the cart's life; the current timer stays.
func (s *Service) RemoveItem(ctx context.Context, userID, itemID string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cart, err := s.getCart(ctx, tx, userID)
	if err != nil {
		return err
	}

	var productID string
	var qty int
	err = tx.QueryRow(ctx,
		`SELECT product_id, quantity FROM cart_items WHERE id=$1 AND cart_id=$2`,
		itemID, cart.ID).Scan(&productID, &qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("cart item %s: %w", itemID, shop.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if err := shop.ReleaseStock(ctx, tx, productID, qty); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE id=$1`, itemID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Clear releases every remaining reservation and empties the cart,
// silently. Abandonment notices belong to the expiration path, not to an
// explicit clear.
func (s *Service) Clear(ctx context.Context, userID string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cart, err := s.getCart(ctx, tx, userID)
	if err != nil {
		return err
	}
	if _, err := s.releaseAll(ctx, tx, cart); err != nil {
		return err
	}
	if cart.Job != nil {
		s.Sched.CancelJob(ctx, *cart.Job)
	}
	if err := clearTimer(ctx, tx, cart.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get is the read path for the API.
func (s *Service) Get(ctx context.Context, userID string) (*shop.Cart, error) {
	var c shop.Cart
	var jobQueue, jobID *string
	err := s.DB.QueryRow(ctx,
		`SELECT id, user_id, expires_at, job_queue, job_id, created_at
		 FROM carts WHERE user_id=$1`, userID).
		Scan(&c.ID, &c.UserID, &c.ExpiresAt, &jobQueue, &jobID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cart for user %s: %w", userID, shop.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if jobQueue != nil && jobID != nil {
		c.Job = &scheduler.JobRef{Queue: *jobQueue, ID: *jobID}
	}

	rows, err := s.DB.Query(ctx,
		`SELECT id, cart_id, product_id, quantity, price_cents
		 FROM cart_items WHERE cart_id=$1`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it shop.CartItem
		if err := rows.Scan(&it.ID, &it.CartID, &it.ProductID, &it.Quantity, &it.PriceCents); err != nil {
			return nil, err
		}
		c.Items = append(c.Items, it)
	}
	return &c, rows.Err()
}

// HandleExpire fires from the work queue, outside any request. It must be
// idempotent: at-least-once delivery means a cancellation can lose the race
// with the fire time.
func (s *Service) HandleExpire(ctx context.Context, j *queue.Job) error {
	var p jobs.CartExpirePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return fmt.Errorf("decode cart expire payload: %w", err)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cart, err := lockCartByID(ctx, tx, p.Cart.ID)
	if err != nil {
		return err
	}
	if cart == nil {
		return nil // cart gone, nothing to release
	}
	// A newer timer superseded this job while it sat in the queue; the
	// cancel lost the race. The fresh job owns the cart now.
	if cart.Job == nil || cart.Job.ID != j.ID {
		return nil
	}

	released, err := s.releaseAll(ctx, tx, cart)
	if err != nil {
		return err
	}
	if err := clearTimer(ctx, tx, cart.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("cart %s expired, released %d reservation(s)", cart.ID, released)
	if released > 0 && p.Email != "" {
		s.sendAbandonedNotice(ctx, cart.ID, p.Email)
	}
	return nil
}

// refreshTimer supersedes any pending expiration job with a fresh one at
// now+TTL and persists the new handle in the caller's transaction
// (cancel-then-create: never two live jobs for one cart).
func (s *Service) refreshTimer(ctx context.Context, tx pgx.Tx, cart *shop.Cart, email string) error {
	if cart.Job != nil {
		s.Sched.CancelJob(ctx, *cart.Job)
	}

	var payload jobs.CartExpirePayload
	payload.Cart.ID = cart.ID
	payload.Cart.UserID = cart.UserID
	payload.Email = email
	rows, err := tx.Query(ctx,
		`SELECT id, product_id, quantity FROM cart_items WHERE cart_id=$1`, cart.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it jobs.CartItemRef
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Quantity); err != nil {
			return err
		}
		payload.Cart.Items = append(payload.Cart.Items, it)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	expiresAt := time.Now().UTC().Add(s.TTL)
	ref, err := s.Sched.ScheduleJob(ctx, jobs.CartExpire, payload, expiresAt, expireAttempts)
	if err != nil {
		// The expiration guarantee is part of the consistency contract:
		// no timer, no reservation.
		return fmt.Errorf("schedule cart expiration: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE carts SET expires_at=$2, job_queue=$3, job_id=$4 WHERE id=$1`,
		cart.ID, expiresAt, ref.Queue, ref.ID); err != nil {
		return err
	}
	cart.ExpiresAt = &expiresAt
	cart.Job = &ref
	return nil
}

// releaseAll credits every remaining reservation back and deletes the
// items. Zero items is a clean no-op, the guard against double-release.
func (s *Service) releaseAll(ctx context.Context, tx pgx.Tx, cart *shop.Cart) (int, error) {
	rows, err := tx.Query(ctx,
		`SELECT product_id, quantity FROM cart_items WHERE cart_id=$1`, cart.ID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			return 0, err
		}
		recs = append(recs, x)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, x := range recs {
		if err := shop.ReleaseStock(ctx, tx, x.pid, x.qty); err != nil {
			return 0, err
		}
	}
	if len(recs) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cart.ID); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// getCart loads and row-locks the user's cart, serializing concurrent
// mutations of the same cart.
func (s *Service) getCart(ctx context.Context, tx pgx.Tx, userID string) (*shop.Cart, error) {
	cart, err := scanCart(tx.QueryRow(ctx,
		`SELECT id, user_id, expires_at, job_queue, job_id FROM carts WHERE user_id=$1 FOR UPDATE`,
		userID))
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, fmt.Errorf("cart for user %s: %w", userID, shop.ErrNotFound)
	}
	return cart, nil
}

func (s *Service) getOrCreateCart(ctx context.Context, tx pgx.Tx, userID string) (*shop.Cart, error) {
	cart, err := scanCart(tx.QueryRow(ctx,
		`SELECT id, user_id, expires_at, job_queue, job_id FROM carts WHERE user_id=$1 FOR UPDATE`,
		userID))
	if err != nil {
		return nil, err
	}
	if cart != nil {
		return cart, nil
	}
	// Two first adds can race to this insert; the conflict clause lets the
	// loser fall through and lock the winner's row instead of erroring.
	if _, err := tx.Exec(ctx,
		`INSERT INTO carts(id, user_id) VALUES ($1,$2) ON CONFLICT (user_id) DO NOTHING`,
		uuid.NewString(), userID); err != nil {
		return nil, err
	}
	cart, err = scanCart(tx.QueryRow(ctx,
		`SELECT id, user_id, expires_at, job_queue, job_id FROM carts WHERE user_id=$1 FOR UPDATE`,
		userID))
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, fmt.Errorf("cart for user %s: %w", userID, shop.ErrNotFound)
	}
	return cart, nil
}

func lockCartByID(ctx context.Context, tx pgx.Tx, cartID string) (*shop.Cart, error) {
	return scanCart(tx.QueryRow(ctx,
		`SELECT id, user_id, expires_at, job_queue, job_id FROM carts WHERE id=$1 FOR UPDATE`,
		cartID))
}

func scanCart(row pgx.Row) (*shop.Cart, error) {
	var c shop.Cart
	var jobQueue, jobID *string
	err := row.Scan(&c.ID, &c.UserID, &c.ExpiresAt, &jobQueue, &jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if jobQueue != nil && jobID != nil {
		c.Job = &scheduler.JobRef{Queue: *jobQueue, ID: *jobID}
	}
	return &c, nil
}

func clearTimer(ctx context.Context, tx pgx.Tx, cartID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE carts SET expires_at=NULL, job_queue=NULL, job_id=NULL WHERE id=$1`, cartID)
	return err
}

func (s *Service) sendAbandonedNotice(ctx context.Context, cartID, email string) {
	err := s.Notify.Send(ctx, "cart.abandoned", email, "Your cart has expired",
		map[string]any{"cart_id": cartID})
	if err != nil {
		log.Printf("cart %s: abandoned notice: %v", cartID, err)
	}
}
