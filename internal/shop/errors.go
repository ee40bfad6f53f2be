package shop

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
	// ErrSameStatus: a status update must change the status.
	ErrSameStatus = errors.New("order already has this status")
)

// InsufficientStockError aborts the whole enclosing transaction: no
// partial reservation survives.
type InsufficientStockError struct {
	ProductID string
	Required  int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: required %d, available %d", e.ProductID, e.Required, e.Available)
}

func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		return ise, true
	}
	return nil, false
}
