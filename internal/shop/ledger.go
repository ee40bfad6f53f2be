package shop

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Stock ledger helpers. Both run inside the caller's transaction so the
// counter mutation commits or rolls back together with the cart/order
// mutation that depends on it.

// ReserveStock locks the product row, verifies availability and decrements
// the counter. Returns the current price snapshot. The FOR UPDATE lock
// serializes concurrent reservations for the same product, so stock can
// never go negative.
func ReserveStock(ctx context.Context, tx pgx.Tx, productID string, qty int) (priceCents int, err error) {
	var stock int
	err = tx.QueryRow(ctx,
		`SELECT stock, price_cents FROM products WHERE id=$1 FOR UPDATE`,
		productID).Scan(&stock, &priceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	if stock < qty {
		return 0, &InsufficientStockError{ProductID: productID, Required: qty, Available: stock}
	}
	_, err = tx.Exec(ctx,
		`UPDATE products SET stock = stock - $2, updated_at = now() WHERE id=$1`,
		productID, qty)
	return priceCents, err
}

// ReleaseStock credits qty units back. Each reservation is released exactly
// once; callers gate on the owning row (cart item present, order item
// is_active) before calling.
func ReleaseStock(ctx context.Context, tx pgx.Tx, productID string, qty int) error {
	ct, err := tx.Exec(ctx,
		`UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`,
		productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("release stock: product %s: %w", productID, ErrNotFound)
	}
	return nil
}
