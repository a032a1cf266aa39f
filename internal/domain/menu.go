package domain

import "time"

type MenuItem struct {
	ID        string `json:"id"`
	VendorID  string `json:"vendor_id"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	Price     int64  `json:"price"`
	Available bool   `json:"available"`
}

// ItemStock is the per-item availability snapshot. It is read-only from
// the sync core's perspective and refreshed wholesale on fetch, never
// merged field by field.
type ItemStock struct {
	ItemID          string     `json:"item_id"`
	InStock         bool       `json:"in_stock"`
	Quantity        *int       `json:"quantity,omitempty"`
	OutOfStockUntil *time.Time `json:"out_of_stock_until,omitempty"`
}
