package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ariefcatur/go-cart-reservations.git/internal/scheduler"
)

// Every job type must route to one of the queues the binaries construct.
func TestJobTypesRouteToKnownQueues(t *testing.T) {
	known := map[string]bool{"cart": true, "order": true, "email": true}
	for _, jt := range All() {
		assert.True(t, known[scheduler.QueueOf(jt)], "job type %s routes to unknown queue", jt)
	}
}

func TestAllCoversEveryConstant(t *testing.T) {
	assert.ElementsMatch(t, []string{CartExpire, OrderExpire, EmailSend}, All())
}
