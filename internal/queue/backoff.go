package queue

import (
	"math"
	"time"
)

// Backoff computes the retry delay for a failed attempt (1-indexed):
// Initial * 2^(attempt-1), capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: time.Minute}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
