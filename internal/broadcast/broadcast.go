// Package broadcast fans inventory changes out to live viewers. Values are
// hints: a viewer may see counts out of order or miss one entirely.
package broadcast

import (
	"context"
	"sync"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
)

type Notifier interface {
	// InventoryChanged never fails the caller; delivery problems are logged.
	InventoryChanged(ctx context.Context, productID string, count int64)
}

type Subscriber interface {
	// Subscribe streams events until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan domain.InventoryChangedEvent, error)
}

type NopNotifier struct{}

func (NopNotifier) InventoryChanged(context.Context, string, int64) {}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.InventoryChangedEvent
}

func (r *Recorder) InventoryChanged(_ context.Context, productID string, count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, domain.InventoryChangedEvent{ProductID: productID, Stock: count})
}

func (r *Recorder) Events() []domain.InventoryChangedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]domain.InventoryChangedEvent(nil), r.events...)
}
