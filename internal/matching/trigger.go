package matching

import (
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

// Trigger is a bounded queue of matching-cycle requests. Producers (order
// intake, offer rejections, the NATS subscriber) enqueue without blocking;
// a single worker drains it. A full queue drops the request, which is safe
// because every cycle re-reads all pending orders anyway.
type Trigger struct {
	ch chan string
}

// NewTrigger creates a trigger queue with the given capacity.
func NewTrigger(size int) *Trigger {
	if size <= 0 {
		size = 64
	}
	return &Trigger{ch: make(chan string, size)}
}

// Enqueue requests a matching cycle. It never blocks; it returns false when
// the queue is full.
func (t *Trigger) Enqueue(reason string) bool {
	select {
	case t.ch <- reason:
		return true
	default:
		logger.Warn("matching trigger queue full, dropping request",
			zap.String("reason", reason),
		)
		return false
	}
}

// C exposes the drain side of the queue to the matching worker.
func (t *Trigger) C() <-chan string {
	return t.ch
}

// Len returns the number of queued requests.
func (t *Trigger) Len() int {
	return len(t.ch)
}
