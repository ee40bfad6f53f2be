package shop

import (
	"time"

	"github.com/ariefcatur/go-cart-reservations.git/internal/scheduler"
)

type Product struct {
	ID         string
	SKU        string
	Name       string
	Stock      int
	PriceCents int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Cart holds stock reservations for one user. Job is non-nil while an
// expiration job is pending for it; at most one at a time.
type Cart struct {
	ID        string
	UserID    string
	ExpiresAt *time.Time
	Job       *scheduler.JobRef
	Items     []CartItem
	CreatedAt time.Time
}

// CartItem reserves Quantity units of the product; the matching stock
// decrement happened in the same transaction that created it.
type CartItem struct {
	ID         string
	CartID     string
	ProductID  string
	Quantity   int
	PriceCents int // snapshot at add time
}

type Order struct {
	ID            string
	OrderNumber   string
	UserID        string
	Status        Status
	PaymentStatus PaymentStatus
	TotalCents    int
	ExpiresAt     *time.Time
	Job           *scheduler.JobRef
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderItem: IsActive is the source of truth for whether this line still
// holds a live stock reservation. Releasing twice or reserving twice is an
// invariant violation.
type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string
	Quantity   int
	PriceCents int
	IsActive   bool
}
