// Package store holds the authoritative in-memory order collection for
// a single vendor and keeps it consistent across three sources of
// change: explicit fetches, user-initiated optimistic status mutations,
// and realtime batches pushed by the backend. Concurrent views of the
// same order are merged through domain.Reconcile, with the order's
// version counter deciding precedence.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/pocketshop/ordersync/internal/domain"
	"github.com/pocketshop/ordersync/internal/repository"
)

var (
	meter = otel.Meter("ordersync/store")

	optimisticApplies metric.Int64Counter
	statusRollbacks   metric.Int64Counter
	batchesMerged     metric.Int64Counter
)

func init() {
	optimisticApplies, _ = meter.Int64Counter("ordersync.store.optimistic_applies",
		metric.WithDescription("Status changes applied locally before backend confirmation"))
	statusRollbacks, _ = meter.Int64Counter("ordersync.store.rollbacks",
		metric.WithDescription("Optimistic status changes rolled back after a persist failure"))
	batchesMerged, _ = meter.Int64Counter("ordersync.store.batches_merged",
		metric.WithDescription("Realtime order batches merged into the collection"))
}

type Option func(*Store)

// WithClock overrides the time source used to stamp optimistic edits.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOnChange registers a callback invoked after every observable
// state change (collection, flags, selection), outside the store's
// lock. The callback must return promptly; consumers that fan changes
// out (e.g. a websocket hub) do their own buffering.
func WithOnChange(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store owns the live order collection for one vendor. All methods are
// safe for concurrent use. Persist calls await outside the lock, so a
// realtime batch pushed by the backend can land in the middle of an
// in-flight status change; that interleaving is resolved by
// domain.Reconcile rather than prevented.
type Store struct {
	repo     repository.Repository
	vendorID string
	logger   *slog.Logger
	now      func() time.Time
	onChange func()

	lifeCtx    context.Context
	cancelLife context.CancelFunc

	mu          sync.Mutex
	orders      []domain.Order
	menu        []domain.MenuItem
	stock       map[string]domain.ItemStock
	loading     bool
	lastErr     error
	selectedID  string
	unsubscribe repository.UnsubscribeFunc
	closed      bool
}

func New(repo repository.Repository, vendorID string, logger *slog.Logger, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		repo:       repo,
		vendorID:   vendorID,
		logger:     logger,
		now:        time.Now,
		lifeCtx:    ctx,
		cancelLife: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize fetches the vendor's full order list, plus menu items and
// stock when the repository has those capabilities, and establishes the
// realtime subscription (at most once per store instance, regardless of
// fetch outcome). On orders-fetch failure the previous collection is
// preserved, the error is recorded, and the error is returned; the
// attempt is terminal but the store stays usable and callers may retry.
// Menu/stock failures are recorded and logged without failing the call.
func (s *Store) Initialize(ctx context.Context) error {
	s.setLoading(true)

	orders, fetchErr := s.repo.FetchOrders(ctx, s.vendorID)

	var menu []domain.MenuItem
	var stock map[string]domain.ItemStock
	var sideErr error
	if fetchErr == nil {
		if mf, ok := s.repo.(repository.MenuFetcher); ok {
			m, err := mf.FetchMenuItems(ctx, s.vendorID)
			if err != nil {
				sideErr = fmt.Errorf("fetch menu items: %w", err)
				s.logger.Error("menu fetch failed during initialize", "error", err, "vendor_id", s.vendorID)
			} else {
				menu = m
			}
		}
		if sf, ok := s.repo.(repository.StockFetcher); ok {
			st, err := sf.FetchItemStock(ctx, s.vendorID)
			if err != nil {
				sideErr = fmt.Errorf("fetch item stock: %w", err)
				s.logger.Error("stock fetch failed during initialize", "error", err, "vendor_id", s.vendorID)
			} else {
				stock = st
			}
		}
	}

	var retErr error
	s.mu.Lock()
	s.loading = false
	if fetchErr != nil {
		retErr = fmt.Errorf("fetch orders: %w", fetchErr)
		s.lastErr = retErr
	} else {
		s.orders = orders
		if menu != nil {
			s.menu = menu
		}
		if stock != nil {
			s.stock = stock
		}
		s.lastErr = sideErr
	}
	s.mu.Unlock()
	s.notifyChange()

	s.ensureSubscription()

	return retErr
}

// ChangeOrderStatus applies newStatus to the targeted order
// optimistically (visible to readers immediately, version bumped by
// one), persists it through the repository, and reconciles the
// backend's authoritative result into the collection. If the persist
// fails, the entire collection is rolled back to its pre-mutation
// snapshot, and the error is both recorded and returned. Targeting an
// id absent from the collection fails synchronously with
// repository.ErrOrderNotFound and performs no mutation and no I/O.
//
// Overlapping calls for the same order are not serialized: a second
// call's snapshot includes the first call's optimistic edit, so rolling
// back the second can undo the first. Callers that need stronger
// guarantees must gate their own submissions.
func (s *Store) ChangeOrderStatus(ctx context.Context, orderID string, newStatus domain.Status) (domain.Order, error) {
	s.mu.Lock()
	idx := s.indexOf(orderID)
	if idx < 0 {
		s.mu.Unlock()
		return domain.Order{}, fmt.Errorf("change status of order %q: %w", orderID, repository.ErrOrderNotFound)
	}

	// Snapshot the whole collection before touching anything; rollback
	// is all-or-nothing.
	snapshot := domain.CloneOrders(s.orders)

	optimistic := s.orders[idx].Clone()
	optimistic.Status = newStatus
	optimistic.Version++
	optimistic.UpdatedAt = s.now()
	s.orders[idx] = optimistic
	s.lastErr = nil
	s.mu.Unlock()
	s.notifyChange()
	optimisticApplies.Add(ctx, 1)

	authoritative, err := s.repo.ChangeOrderStatus(ctx, s.vendorID, orderID, newStatus)
	if err != nil {
		wrapped := fmt.Errorf("change status of order %q: %w", orderID, err)
		s.mu.Lock()
		s.orders = snapshot
		s.lastErr = wrapped
		s.mu.Unlock()
		s.notifyChange()
		statusRollbacks.Add(ctx, 1)
		s.logger.Error("status change rolled back", "error", err, "order_id", orderID, "status", newStatus)
		return domain.Order{}, wrapped
	}

	s.mu.Lock()
	var merged domain.Order
	if i := s.indexOf(orderID); i >= 0 {
		// Reconcile against whatever the collection holds now: a newer
		// realtime push may have landed while the persist was in
		// flight, and must not be clobbered by a stale response.
		merged = domain.Reconcile(s.orders[i], authoritative)
		s.orders[i] = merged
	} else {
		// The entry vanished mid-flight (e.g. a wholesale refresh).
		// Treat the authoritative row like an unknown remote row.
		merged = authoritative.Clone()
		s.orders = append(s.orders, merged)
	}
	s.mu.Unlock()
	s.notifyChange()
	return merged, nil
}

// MergeRemoteBatch folds one pushed batch of remote order rows into the
// collection: known ids are reconciled in place, unknown ids are
// appended, and local-only entries the push did not mention are kept.
// The result always has exactly one entry per order id. Redundant
// deliveries of unchanged rows are absorbed without effect.
func (s *Store) MergeRemoteBatch(remote []domain.Order) {
	if len(remote) == 0 {
		return
	}
	s.mu.Lock()
	for _, r := range remote {
		if i := s.indexOf(r.ID); i >= 0 {
			s.orders[i] = domain.Reconcile(s.orders[i], r)
		} else {
			s.orders = append(s.orders, r.Clone())
		}
	}
	s.mu.Unlock()
	s.notifyChange()
	batchesMerged.Add(context.Background(), 1)
}

// Refresh discards the collection and reloads it wholesale from the
// repository, bypassing reconciliation. Meant for explicit user reload
// actions, not routine sync. On failure the previous data stays visible
// and the error is recorded and returned.
func (s *Store) Refresh(ctx context.Context) error {
	s.setLoading(true)

	orders, err := s.repo.FetchOrders(ctx, s.vendorID)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		wrapped := fmt.Errorf("refresh orders: %w", err)
		s.lastErr = wrapped
		s.mu.Unlock()
		s.notifyChange()
		return wrapped
	}
	s.orders = orders
	s.lastErr = nil
	s.mu.Unlock()
	s.notifyChange()
	return nil
}

// SelectOrder marks an order as selected for UI convenience. The id
// must be present in the current collection. No network activity.
func (s *Store) SelectOrder(orderID string) error {
	s.mu.Lock()
	if s.indexOf(orderID) < 0 {
		s.mu.Unlock()
		return fmt.Errorf("select order %q: %w", orderID, repository.ErrOrderNotFound)
	}
	s.selectedID = orderID
	s.mu.Unlock()
	s.notifyChange()
	return nil
}

// ClearSelection drops the current selection, if any.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.selectedID = ""
	s.mu.Unlock()
	s.notifyChange()
}

// Selected resolves the selected order against the live collection.
// The second return is false when nothing is selected or the selected
// order has since left the collection.
func (s *Store) Selected() (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedID == "" {
		return domain.Order{}, false
	}
	if i := s.indexOf(s.selectedID); i >= 0 {
		return s.orders[i].Clone(), true
	}
	return domain.Order{}, false
}

// Orders returns a detached copy of the live collection.
func (s *Store) Orders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneOrders(s.orders)
}

// Order returns a detached copy of a single order by id.
func (s *Store) Order(orderID string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(orderID); i >= 0 {
		return s.orders[i].Clone(), true
	}
	return domain.Order{}, false
}

// MenuItems returns the menu snapshot from the last successful fetch.
func (s *Store) MenuItems() []domain.MenuItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MenuItem, len(s.menu))
	copy(out, s.menu)
	return out
}

// Stock returns the per-item stock snapshot from the last successful
// fetch.
func (s *Store) Stock() map[string]domain.ItemStock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.ItemStock, len(s.stock))
	for k, v := range s.stock {
		out[k] = v
	}
	return out
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the most recent recorded failure, or nil. A successful
// initialize, refresh, or optimistic apply clears it.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) VendorID() string {
	return s.vendorID
}

// Close tears down the realtime subscription and stops further
// subscription attempts. Idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	s.cancelLife()
	if unsub != nil {
		unsub()
	}
}

// ensureSubscription establishes the realtime subscription exactly once
// per store instance. Pushed batches flow into MergeRemoteBatch for the
// lifetime of the store. Subscription failure leaves the store usable
// with fetch/refresh only.
func (s *Store) ensureSubscription() {
	sub, ok := s.repo.(repository.OrderSubscriber)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.unsubscribe != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	unsub, err := sub.SubscribeToOrders(s.lifeCtx, s.vendorID, func(_ context.Context, orders []domain.Order) {
		s.MergeRemoteBatch(orders)
	})
	if errors.Is(err, repository.ErrNoRealtime) {
		s.logger.Debug("repository has no realtime feed, fetch-only mode", "vendor_id", s.vendorID)
		return
	}
	if err != nil {
		s.logger.Error("realtime subscription failed", "error", err, "vendor_id", s.vendorID)
		s.mu.Lock()
		s.lastErr = fmt.Errorf("subscribe to orders: %w", err)
		s.mu.Unlock()
		s.notifyChange()
		return
	}

	s.mu.Lock()
	if s.closed || s.unsubscribe != nil {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubscribe = unsub
	s.mu.Unlock()
}

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Store) notifyChange() {
	if s.onChange != nil {
		s.onChange()
	}
}

// indexOf must be called with s.mu held.
func (s *Store) indexOf(orderID string) int {
	for i := range s.orders {
		if s.orders[i].ID == orderID {
			return i
		}
	}
	return -1
}
