package cart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-cart-reservations.git/internal/queue"
	"github.com/ariefcatur/go-cart-reservations.git/internal/scheduler"
	"github.com/ariefcatur/go-cart-reservations.git/internal/shop"
	"github.com/ariefcatur/go-cart-reservations.git/internal/shop/shoptest"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeNotifier) Send(ctx context.Context, template, to, subject string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, template)
	return nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func newTestService(t *testing.T) (*Service, *queue.MemStore, *fakeNotifier, *pgxpool.Pool) {
	t.Helper()
	pool := shoptest.Setup(t)
	store := queue.NewMemStore()
	sched := scheduler.New(
		queue.New("cart", store),
		queue.New("email", queue.NewMemStore()),
	)
	n := &fakeNotifier{}
	svc := &Service{DB: pool, Sched: sched, Notify: n, TTL: time.Hour}
	return svc, store, n, pool
}

// claimJob pulls the job out of the delayed set as the worker would at fire
// time, regardless of how far in the future it is scheduled.
func claimJob(t *testing.T, store *queue.MemStore, id string) *queue.Job {
	t.Helper()
	claimed, err := store.Claim(context.Background(), time.Now().Add(48*time.Hour), 100)
	require.NoError(t, err)
	for _, j := range claimed {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %s not claimable", id)
	return nil
}

func TestAddItemReservesStockAndStartsTimer(t *testing.T) {
	ctx := context.Background()
	svc, store, _, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 3, "u1@example.com"))

	assert.Equal(t, 7, shoptest.Stock(t, pool, pid))

	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 3, c.Items[0].Quantity)
	assert.Equal(t, 500, c.Items[0].PriceCents)
	require.NotNil(t, c.ExpiresAt)
	require.NotNil(t, c.Job)

	j, err := store.Get(ctx, c.Job.ID)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, queue.StateDelayed, j.State)
}

func TestAddItemInsufficientStockRollsBack(t *testing.T) {
	ctx := context.Background()
	svc, _, _, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 5, 500)

	err := svc.AddItem(ctx, "u1", pid, 6, "")
	ise, ok := shop.AsInsufficientStock(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, pid, ise.ProductID)
	assert.Equal(t, 6, ise.Required)
	assert.Equal(t, 5, ise.Available)

	// whole transaction rolled back: no stock taken, no cart created
	assert.Equal(t, 5, shoptest.Stock(t, pool, pid))
	_, err = svc.Get(ctx, "u1")
	assert.ErrorIs(t, err, shop.ErrNotFound)
}

func TestAddItemAccumulatesQuantity(t *testing.T) {
	ctx := context.Background()
	svc, _, _, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 2, ""))
	require.NoError(t, svc.AddItem(ctx, "u1", pid, 3, ""))

	assert.Equal(t, 5, shoptest.Stock(t, pool, pid))
	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 5, c.Items[0].Quantity)
}

func TestConcurrentFirstAddsShareOneCart(t *testing.T) {
	ctx := context.Background()
	svc, _, _, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	// both adds race to create the user's first cart row
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.AddItem(ctx, "u1", pid, 1, "")
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	var carts int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM carts WHERE user_id='u1'`).Scan(&carts))
	assert.Equal(t, 1, carts)

	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 2, c.Items[0].Quantity)
	assert.Equal(t, 8, shoptest.Stock(t, pool, pid))
}

func TestUpdateItemAdjustsReservationByDelta(t *testing.T) {
	ctx := context.Background()
	svc, _, _, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 4, ""))
	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	itemID := c.Items[0].ID

	require.NoError(t, svc.UpdateItem(ctx, "u1", itemID, 6, ""))
	assert.Equal(t, 4, shoptest.Stock(t, pool, pid))

	require.NoError(t, svc.UpdateItem(ctx, "u1", itemID, 1, ""))
	assert.Equal(t, 9, shoptest.Stock(t, pool, pid))

	err = svc.UpdateItem(ctx, "u1", itemID, 0, "")
	assert.ErrorIs(t, err, shop.ErrBadRequest)
	err = svc.UpdateItem(ctx, "u1", "00000000-0000-0000-0000-000000000000", 2, "")
	assert.ErrorIs(t, err, shop.ErrNotFound)
}

func TestRemoveItemRestoresStock(t *testing.T) {
	ctx := context.Background()
	svc, store, _, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 4, ""))
	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	timerID := c.Job.ID

	require.NoError(t, svc.RemoveItem(ctx, "u1", c.Items[0].ID))
	assert.Equal(t, 10, shoptest.Stock(t, pool, pid))

	// removal does not refresh the timer
	c, err = svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	require.NotNil(t, c.Job)
	assert.Equal(t, timerID, c.Job.ID)
	j, err := store.Get(ctx, timerID)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, queue.StateDelayed, j.State)
}

func TestAtMostOneLiveTimer(t *testing.T) {
	ctx := context.Background()
	svc, store, _, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 1, ""))
	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	first := c.Job.ID

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 1, ""))
	c, err = svc.Get(ctx, "u1")
	require.NoError(t, err)
	second := c.Job.ID
	require.NotEqual(t, first, second)

	// the superseded job is gone from the queue
	j, err := store.Get(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, j)
	j, err = store.Get(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, queue.StateDelayed, j.State)
}

func TestHandleExpireReleasesOnceAndNotifies(t *testing.T) {
	ctx := context.Background()
	svc, store, n, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 4, "u1@example.com"))
	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)

	j := claimJob(t, store, c.Job.ID)
	require.NoError(t, svc.HandleExpire(ctx, j))

	assert.Equal(t, 10, shoptest.Stock(t, pool, pid))
	c, err = svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Nil(t, c.Job)
	assert.Nil(t, c.ExpiresAt)

	// at-least-once delivery: the retry must be a no-op
	require.NoError(t, svc.HandleExpire(ctx, j))
	assert.Equal(t, 10, shoptest.Stock(t, pool, pid))
	assert.Equal(t, []string{"cart.abandoned"}, n.sent())
}

func TestHandleExpireIgnoresSupersededJob(t *testing.T) {
	ctx := context.Background()
	svc, store, n, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 4, "u1@example.com"))
	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)

	// the worker claims the job before the shopper's next add can cancel it
	stale := claimJob(t, store, c.Job.ID)
	require.NoError(t, svc.AddItem(ctx, "u1", pid, 1, "u1@example.com"))

	// the stale job fires but a fresh timer owns the cart now
	require.NoError(t, svc.HandleExpire(ctx, stale))
	assert.Equal(t, 5, shoptest.Stock(t, pool, pid))
	c, err = svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 5, c.Items[0].Quantity)
	assert.Empty(t, n.sent())
}

func TestClearWithoutNotice(t *testing.T) {
	ctx := context.Background()
	svc, store, n, pool := newTestService(t)
	pid := shoptest.CreateProduct(t, pool, "sku-1", 10, 500)

	require.NoError(t, svc.AddItem(ctx, "u1", pid, 4, "u1@example.com"))
	c, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	timerID := c.Job.ID

	require.NoError(t, svc.Clear(ctx, "u1"))

	assert.Equal(t, 10, shoptest.Stock(t, pool, pid))
	c, err = svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Nil(t, c.Job)
	j, err := store.Get(ctx, timerID)
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.Empty(t, n.sent())
}
