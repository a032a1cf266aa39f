package domain

import "time"

type Status string

const (
	StatusNew        Status = "NEW"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReady      Status = "READY"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Valid reports whether s is a member of the status enumeration.
// The sync core does not enforce a transition graph (the backend is the
// enforcement authority), so membership is the only check made here.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusReady, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether an order in this status has reached the end
// of its lifecycle. Terminal orders stay visible until consumers drop
// them from view.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type OrderItem struct {
	ItemID   string `json:"item_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// Order is the aggregate the sync core keeps live for a vendor. Orders
// are created entirely outside this module by the checkout flow; the
// core only observes them, mutates their status, and merges concurrent
// views. Version increases by one on every mutation, locally assumed or
// server confirmed, and is the sole conflict-resolution signal.
type Order struct {
	ID            string        `json:"id"`
	VendorID      string        `json:"vendor_id"`
	OrderNumber   string        `json:"order_number"`
	CustomerName  string        `json:"customer_name"`
	OrderType     string        `json:"order_type"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentMethod string        `json:"payment_method"`
	Items         []OrderItem   `json:"items"`
	Total         int64         `json:"total"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Clone returns a deep copy detached from o, including the item slice.
// Snapshot/rollback and reconciliation rely on value semantics: no
// caller may observe later mutations through a previously returned
// order.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = make([]OrderItem, len(o.Items))
		copy(out.Items, o.Items)
	}
	return out
}

// Equal reports deep equality of two orders, items included.
func (o Order) Equal(other Order) bool {
	if o.ID != other.ID ||
		o.VendorID != other.VendorID ||
		o.OrderNumber != other.OrderNumber ||
		o.CustomerName != other.CustomerName ||
		o.OrderType != other.OrderType ||
		o.Status != other.Status ||
		o.PaymentStatus != other.PaymentStatus ||
		o.PaymentMethod != other.PaymentMethod ||
		o.Total != other.Total ||
		o.Version != other.Version ||
		!o.CreatedAt.Equal(other.CreatedAt) ||
		!o.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	if len(o.Items) != len(other.Items) {
		return false
	}
	for i := range o.Items {
		if o.Items[i] != other.Items[i] {
			return false
		}
	}
	return true
}

// CloneOrders deep-copies a whole collection.
func CloneOrders(orders []Order) []Order {
	if orders == nil {
		return nil
	}
	out := make([]Order, len(orders))
	for i := range orders {
		out[i] = orders[i].Clone()
	}
	return out
}
