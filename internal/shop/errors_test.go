package shop

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsInsufficientStock(t *testing.T) {
	err := fmt.Errorf("add item: %w", &InsufficientStockError{ProductID: "p1", Required: 6, Available: 5})

	ise, ok := AsInsufficientStock(err)
	require.True(t, ok)
	assert.Equal(t, "p1", ise.ProductID)
	assert.Equal(t, 6, ise.Required)
	assert.Equal(t, 5, ise.Available)

	_, ok = AsInsufficientStock(errors.New("other"))
	assert.False(t, ok)
}

func TestErrorWrapping(t *testing.T) {
	err := fmt.Errorf("cart for user u1: %w", ErrNotFound)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrBadRequest))
}
