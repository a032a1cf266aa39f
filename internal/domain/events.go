package domain

import "time"

// OrderBatch is the payload of one realtime push: the current rows of
// one or more orders belonging to a single vendor. A batch is not
// necessarily limited to rows that changed; delivery is at-least-once
// and may repeat rows, which the store absorbs through reconciliation.
type OrderBatch struct {
	EventID   string    `json:"event_id"`
	VendorID  string    `json:"vendor_id"`
	Orders    []Order   `json:"orders"`
	EmittedAt time.Time `json:"emitted_at"`
}
