// Package feed moves order batches from the backend to connected
// dashboards. A Publisher pushes a vendor's changed orders onto the
// wire; a Subscriber delivers them to whoever is watching that vendor.
// Delivery is at-least-once: the same batch may arrive more than once
// or overlap with a fetch, and consumers absorb that through
// version-based reconciliation rather than dedup bookkeeping.
package feed

import (
	"context"

	"github.com/pocketshop/ordersync/internal/domain"
)

// Handler consumes one delivered batch.
type Handler func(ctx context.Context, batch domain.OrderBatch)

// Publisher pushes batches for any vendor.
type Publisher interface {
	PublishBatch(ctx context.Context, batch domain.OrderBatch) error
	Close() error
}

// Subscriber delivers every published batch for one vendor to fn until
// the returned stop function runs or ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, vendorID string, fn Handler) (stop func(), err error)
}
