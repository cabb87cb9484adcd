package flagging

import (
	"context"

	"go.uber.org/zap"
)

// EventKind enumerates the post-commit cache/queue effects a review
// commit asks for. The commit path never touches caches or queues
// itself; it returns these and the caller dispatches them, so the
// transaction stays observable in tests without a real queue.
type EventKind string

const (
	// EventInvalidatePage: drop the page's parser cache entries.
	EventInvalidatePage EventKind = "invalidate_page"
	// EventPurgePage: purge edge caches for the page.
	EventPurgePage EventKind = "purge_page"
	// EventEnqueueDependents: re-render pages whose stable output
	// includes this page.
	EventEnqueueDependents EventKind = "enqueue_dependents"
)

// Event is one post-commit effect scoped to a page.
type Event struct {
	Kind   EventKind
	PageID int64
}

// Dispatcher delivers post-commit events to the cache/queue
// infrastructure. Delivery is fire-and-forget and at-least-once;
// consumers must be idempotent.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []Event)
}

// LogDispatcher is the default Dispatcher: it records events instead of
// delivering them, for deployments without purge infrastructure.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher returns a Dispatcher that logs each event.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch implements Dispatcher.
func (d *LogDispatcher) Dispatch(_ context.Context, events []Event) {
	for _, event := range events {
		d.logger.Info("post-commit event",
			zap.String("kind", string(event.Kind)),
			zap.Int64("page_id", event.PageID))
	}
}
