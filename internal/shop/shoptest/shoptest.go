// Package shoptest wires a real Postgres for service-level tests. Tests
// that need it skip themselves unless TEST_POSTGRES_DSN points at a
// disposable database.
package shoptest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Setup connects to TEST_POSTGRES_DSN, applies the schema and truncates
// every table so each test starts clean.
func Setup(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join(moduleRoot(t), "migrations", "001_init.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `TRUNCATE order_items, orders, cart_items, carts, products CASCADE`)
	require.NoError(t, err)
	return pool
}

// CreateProduct inserts a product and returns its id.
func CreateProduct(t *testing.T, pool *pgxpool.Pool, sku string, stock, priceCents int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO products(id, sku, name, stock, price_cents) VALUES ($1,$2,$2,$3,$4)`,
		id, sku, stock, priceCents)
	require.NoError(t, err)
	return id
}

// Stock reads the product's current stock.
func Stock(t *testing.T, pool *pgxpool.Pool, productID string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT stock FROM products WHERE id=$1`, productID).Scan(&n)
	require.NoError(t, err)
	return n
}

func moduleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "go.mod not found above test directory")
		dir = parent
	}
}
