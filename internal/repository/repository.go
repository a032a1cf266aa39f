// Package repository defines the contract between the order store and
// whatever system actually persists and serves order data. The store is
// written against these interfaces only; demo (in-memory), direct
// Postgres, and managed-backend REST implementations live in
// subpackages and are selected at construction time.
package repository

import (
	"context"
	"errors"

	"github.com/pocketshop/ordersync/internal/domain"
)

// ErrOrderNotFound is returned when an operation targets an order id
// the backend (or the store's collection) does not hold.
var ErrOrderNotFound = errors.New("order not found")

// ErrNoRealtime is returned by SubscribeToOrders when the repository
// type carries the method but this instance was built without a
// realtime feed. Consumers treat it as "capability absent", not as a
// failure.
var ErrNoRealtime = errors.New("realtime feed not configured")

// BatchHandler receives one pushed batch of current order rows.
// Delivery is at-least-once and may repeat rows that have not changed.
type BatchHandler func(ctx context.Context, orders []domain.Order)

// UnsubscribeFunc tears down a realtime subscription. It blocks until
// the delivery loop has stopped and is safe to call more than once.
type UnsubscribeFunc func()

// Repository is the minimal capability every backend implementation
// provides: fetching a vendor's orders and persisting a status change.
// ChangeOrderStatus returns the backend's authoritative post-mutation
// order, including the version the backend assigned.
type Repository interface {
	FetchOrders(ctx context.Context, vendorID string) ([]domain.Order, error)
	ChangeOrderStatus(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error)
}

// MenuFetcher is an optional capability, discovered by type assertion.
type MenuFetcher interface {
	FetchMenuItems(ctx context.Context, vendorID string) ([]domain.MenuItem, error)
}

// StockFetcher is an optional capability, discovered by type assertion.
type StockFetcher interface {
	FetchItemStock(ctx context.Context, vendorID string) (map[string]domain.ItemStock, error)
}

// OrderSubscriber is an optional capability: backends that can push
// change notifications implement it. The handler is invoked once per
// pushed batch for the lifetime of the subscription.
type OrderSubscriber interface {
	SubscribeToOrders(ctx context.Context, vendorID string, fn BatchHandler) (UnsubscribeFunc, error)
}
