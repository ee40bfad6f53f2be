package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute}

	assert.Equal(t, 1*time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 32*time.Second, b.Delay(6))
}

func TestBackoffCap(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second}

	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(20))
}

func TestBackoffClampsAttempt(t *testing.T) {
	b := DefaultBackoff()

	assert.Equal(t, b.Delay(1), b.Delay(0))
	assert.Equal(t, b.Delay(1), b.Delay(-3))
}
