// Package memory implements the order repository against process-local
// state. It backs demo mode: no external backend, deterministic seed
// data, an optional simulator that mutates orders the way a busy
// kitchen would, and failure injection for exercising rollback paths.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketshop/ordersync/internal/domain"
	"github.com/pocketshop/ordersync/internal/repository"
)

type Option func(*Repository)

// WithClock overrides the time source used to stamp mutations.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// Repository keeps all vendor data in memory, guarded by one mutex.
// Subscribers are notified synchronously, outside the lock, after every
// mutation; an in-process store therefore sees its own write pushed
// back before the persist call even returns, which the version-based
// merge absorbs.
type Repository struct {
	now func() time.Time

	mu       sync.Mutex
	orders   map[string][]domain.Order
	menu     map[string][]domain.MenuItem
	stock    map[string]map[string]domain.ItemStock
	subs     map[string]map[int]repository.BatchHandler
	nextSub  int
	failNext map[string]error
	seq      int
}

func New(opts ...Option) *Repository {
	r := &Repository{
		now:      time.Now,
		orders:   make(map[string][]domain.Order),
		menu:     make(map[string][]domain.MenuItem),
		stock:    make(map[string]map[string]domain.ItemStock),
		subs:     make(map[string]map[int]repository.BatchHandler),
		failNext: make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FailNext arms a one-shot error for the named operation
// ("FetchOrders", "ChangeOrderStatus", "FetchMenuItems",
// "FetchItemStock"). The next call to that operation returns the error
// and disarms it.
func (r *Repository) FailNext(op string, err error) {
	r.mu.Lock()
	r.failNext[op] = err
	r.mu.Unlock()
}

func (r *Repository) takeFailure(op string) error {
	err := r.failNext[op]
	if err != nil {
		delete(r.failNext, op)
	}
	return err
}

func (r *Repository) FetchOrders(ctx context.Context, vendorID string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("FetchOrders"); err != nil {
		return nil, err
	}
	return domain.CloneOrders(r.orders[vendorID]), nil
}

func (r *Repository) ChangeOrderStatus(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error) {
	r.mu.Lock()
	if err := r.takeFailure("ChangeOrderStatus"); err != nil {
		r.mu.Unlock()
		return domain.Order{}, err
	}
	list := r.orders[vendorID]
	idx := -1
	for i := range list {
		if list[i].ID == orderID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return domain.Order{}, repository.ErrOrderNotFound
	}
	list[idx].Status = status
	list[idx].Version++
	list[idx].UpdatedAt = r.now()
	updated := list[idx].Clone()
	handlers := r.handlersFor(vendorID)
	r.mu.Unlock()

	notify(handlers, []domain.Order{updated})
	return updated, nil
}

func (r *Repository) FetchMenuItems(ctx context.Context, vendorID string) ([]domain.MenuItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("FetchMenuItems"); err != nil {
		return nil, err
	}
	out := make([]domain.MenuItem, len(r.menu[vendorID]))
	copy(out, r.menu[vendorID])
	return out, nil
}

func (r *Repository) FetchItemStock(ctx context.Context, vendorID string) (map[string]domain.ItemStock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("FetchItemStock"); err != nil {
		return nil, err
	}
	out := make(map[string]domain.ItemStock, len(r.stock[vendorID]))
	for k, v := range r.stock[vendorID] {
		out[k] = v
	}
	return out, nil
}

// SubscribeToOrders registers fn for every mutation touching vendorID.
// The subscription ends when the returned func runs or ctx is
// cancelled, whichever comes first.
func (r *Repository) SubscribeToOrders(ctx context.Context, vendorID string, fn repository.BatchHandler) (repository.UnsubscribeFunc, error) {
	r.mu.Lock()
	if r.subs[vendorID] == nil {
		r.subs[vendorID] = make(map[int]repository.BatchHandler)
	}
	id := r.nextSub
	r.nextSub++
	r.subs[vendorID][id] = fn
	r.mu.Unlock()

	remove := func() {
		r.mu.Lock()
		delete(r.subs[vendorID], id)
		r.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		remove()
	}()
	return remove, nil
}

// handlersFor must be called with r.mu held.
func (r *Repository) handlersFor(vendorID string) []repository.BatchHandler {
	out := make([]repository.BatchHandler, 0, len(r.subs[vendorID]))
	for _, fn := range r.subs[vendorID] {
		out = append(out, fn)
	}
	return out
}

func notify(handlers []repository.BatchHandler, batch []domain.Order) {
	for _, fn := range handlers {
		fn(context.Background(), domain.CloneOrders(batch))
	}
}

// PutOrders replaces the vendor's order list. Used by seeding and
// tests.
func (r *Repository) PutOrders(vendorID string, orders []domain.Order) {
	r.mu.Lock()
	r.orders[vendorID] = domain.CloneOrders(orders)
	handlers := r.handlersFor(vendorID)
	batch := domain.CloneOrders(orders)
	r.mu.Unlock()
	notify(handlers, batch)
}

// SeedDemo loads a small café dataset for vendorID: a handful of open
// orders, a menu, and stock with one item marked unavailable.
func (r *Repository) SeedDemo(vendorID string) {
	now := r.now()
	qty := func(n int) *int { return &n }
	backAt := now.Add(45 * time.Minute)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.menu[vendorID] = []domain.MenuItem{
		{ID: "itm-espresso", VendorID: vendorID, Name: "Espresso", Category: "coffee", Price: 300, Available: true},
		{ID: "itm-flat-white", VendorID: vendorID, Name: "Flat White", Category: "coffee", Price: 450, Available: true},
		{ID: "itm-cold-brew", VendorID: vendorID, Name: "Cold Brew", Category: "coffee", Price: 500, Available: true},
		{ID: "itm-croissant", VendorID: vendorID, Name: "Butter Croissant", Category: "bakery", Price: 380, Available: true},
		{ID: "itm-banana-bread", VendorID: vendorID, Name: "Banana Bread", Category: "bakery", Price: 420, Available: false},
		{ID: "itm-orange-juice", VendorID: vendorID, Name: "Fresh Orange Juice", Category: "drinks", Price: 550, Available: true},
	}
	r.stock[vendorID] = map[string]domain.ItemStock{
		"itm-espresso":     {ItemID: "itm-espresso", InStock: true},
		"itm-flat-white":   {ItemID: "itm-flat-white", InStock: true},
		"itm-cold-brew":    {ItemID: "itm-cold-brew", InStock: true, Quantity: qty(12)},
		"itm-croissant":    {ItemID: "itm-croissant", InStock: true, Quantity: qty(5)},
		"itm-banana-bread": {ItemID: "itm-banana-bread", InStock: false, OutOfStockUntil: &backAt},
		"itm-orange-juice": {ItemID: "itm-orange-juice", InStock: true},
	}
	r.orders[vendorID] = []domain.Order{
		{
			ID: "ord-1001", VendorID: vendorID, OrderNumber: "A-101", CustomerName: "Maya",
			OrderType: "pickup", Status: domain.StatusNew, PaymentStatus: domain.PaymentPaid, PaymentMethod: "card",
			Items: []domain.OrderItem{
				{ItemID: "itm-flat-white", Name: "Flat White", Quantity: 2, Price: 450},
				{ItemID: "itm-croissant", Name: "Butter Croissant", Quantity: 1, Price: 380},
			},
			Total: 1280, Version: 1, CreatedAt: now.Add(-12 * time.Minute), UpdatedAt: now.Add(-12 * time.Minute),
		},
		{
			ID: "ord-1002", VendorID: vendorID, OrderNumber: "A-102", CustomerName: "Jordan",
			OrderType: "dine-in", Status: domain.StatusInProgress, PaymentStatus: domain.PaymentPaid, PaymentMethod: "cash",
			Items: []domain.OrderItem{
				{ItemID: "itm-espresso", Name: "Espresso", Quantity: 1, Price: 300},
			},
			Total: 300, Version: 2, CreatedAt: now.Add(-9 * time.Minute), UpdatedAt: now.Add(-4 * time.Minute),
		},
		{
			ID: "ord-1003", VendorID: vendorID, OrderNumber: "A-103", CustomerName: "Priya",
			OrderType: "pickup", Status: domain.StatusReady, PaymentStatus: domain.PaymentPending, PaymentMethod: "card",
			Items: []domain.OrderItem{
				{ItemID: "itm-cold-brew", Name: "Cold Brew", Quantity: 1, Price: 500},
				{ItemID: "itm-orange-juice", Name: "Fresh Orange Juice", Quantity: 1, Price: 550},
			},
			Total: 1050, Version: 3, CreatedAt: now.Add(-20 * time.Minute), UpdatedAt: now.Add(-2 * time.Minute),
		},
	}
	r.seq = 103
}

// StartSimulator mutates the vendor's orders on an interval until ctx
// is cancelled: it advances a random open order one step through the
// lifecycle (occasionally cancelling a NEW one), and now and then drops
// a brand-new order in, so connected stores see both reconcile and
// append traffic.
func (r *Repository) StartSimulator(ctx context.Context, vendorID string, every time.Duration, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(vendorID, logger)
			}
		}
	}()
}

func (r *Repository) tick(vendorID string, logger *slog.Logger) {
	r.mu.Lock()
	list := r.orders[vendorID]

	if len(list) == 0 || rand.Intn(4) == 0 {
		order := r.newIncomingOrder(vendorID)
		r.orders[vendorID] = append(list, order)
		handlers := r.handlersFor(vendorID)
		r.mu.Unlock()
		logger.Info("simulator created order", "order_id", order.ID, "order_number", order.OrderNumber)
		notify(handlers, []domain.Order{order})
		return
	}

	open := make([]int, 0, len(list))
	for i := range list {
		if !list[i].Status.Terminal() {
			open = append(open, i)
		}
	}
	if len(open) == 0 {
		r.mu.Unlock()
		return
	}
	idx := open[rand.Intn(len(open))]
	next := advance(list[idx].Status)
	if list[idx].Status == domain.StatusNew && rand.Intn(5) == 0 {
		next = domain.StatusCancelled
	}
	list[idx].Status = next
	list[idx].Version++
	list[idx].UpdatedAt = r.now()
	updated := list[idx].Clone()
	handlers := r.handlersFor(vendorID)
	r.mu.Unlock()

	logger.Info("simulator advanced order", "order_id", updated.ID, "status", updated.Status)
	notify(handlers, []domain.Order{updated})
}

// newIncomingOrder must be called with r.mu held.
func (r *Repository) newIncomingOrder(vendorID string) domain.Order {
	r.seq++
	now := r.now()
	items := []domain.OrderItem{
		{ItemID: "itm-espresso", Name: "Espresso", Quantity: 1 + rand.Intn(2), Price: 300},
	}
	var total int64
	for _, it := range items {
		total += it.Price * int64(it.Quantity)
	}
	return domain.Order{
		ID:            uuid.NewString(),
		VendorID:      vendorID,
		OrderNumber:   fmt.Sprintf("A-%d", r.seq),
		CustomerName:  "Walk-in",
		OrderType:     "pickup",
		Status:        domain.StatusNew,
		PaymentStatus: domain.PaymentPaid,
		PaymentMethod: "card",
		Items:         items,
		Total:         total,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func advance(s domain.Status) domain.Status {
	switch s {
	case domain.StatusNew:
		return domain.StatusInProgress
	case domain.StatusInProgress:
		return domain.StatusReady
	default:
		return domain.StatusCompleted
	}
}
