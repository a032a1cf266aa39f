package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pocketshop/ordersync/internal/domain"
	"github.com/pocketshop/ordersync/internal/repository"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRepo struct {
	mu          sync.Mutex
	orders      []domain.Order
	fetchErr    error
	fetchCalls  int
	changeCalls int

	// changeFn, when set, fully replaces the canned ChangeOrderStatus
	// behavior. Tests use it to gate the persist on a channel.
	changeFn func(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error)
}

func (f *fakeRepo) FetchOrders(ctx context.Context, vendorID string) ([]domain.Order, error) {
	f.mu.Lock()
	f.fetchCalls++
	err := f.fetchErr
	out := domain.CloneOrders(f.orders)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeRepo) ChangeOrderStatus(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error) {
	f.mu.Lock()
	f.changeCalls++
	fn := f.changeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, vendorID, orderID, status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.orders {
		if f.orders[i].ID == orderID {
			f.orders[i].Status = status
			f.orders[i].Version++
			return f.orders[i].Clone(), nil
		}
	}
	return domain.Order{}, repository.ErrOrderNotFound
}

func (f *fakeRepo) calls() (fetch, change int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.changeCalls
}

type subscribingRepo struct {
	fakeRepo
	subscribeCalls int
	unsubCalls     int
	handler        repository.BatchHandler
}

func (f *subscribingRepo) SubscribeToOrders(ctx context.Context, vendorID string, fn repository.BatchHandler) (repository.UnsubscribeFunc, error) {
	f.mu.Lock()
	f.subscribeCalls++
	f.handler = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubCalls++
		f.mu.Unlock()
	}, nil
}

func (f *subscribingRepo) push(orders []domain.Order) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(context.Background(), orders)
	}
}

type menuStockRepo struct {
	fakeRepo
	menu     []domain.MenuItem
	menuErr  error
	stock    map[string]domain.ItemStock
	stockErr error
}

func (f *menuStockRepo) FetchMenuItems(ctx context.Context, vendorID string) ([]domain.MenuItem, error) {
	if f.menuErr != nil {
		return nil, f.menuErr
	}
	return f.menu, nil
}

func (f *menuStockRepo) FetchItemStock(ctx context.Context, vendorID string) (map[string]domain.ItemStock, error) {
	if f.stockErr != nil {
		return nil, f.stockErr
	}
	return f.stock, nil
}

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func testOrder(id string, version int64, status domain.Status) domain.Order {
	return domain.Order{
		ID:            id,
		VendorID:      "vendor-1",
		OrderNumber:   "A-17",
		CustomerName:  "Dana",
		OrderType:     "pickup",
		Status:        status,
		PaymentStatus: domain.PaymentPaid,
		PaymentMethod: "card",
		Items: []domain.OrderItem{
			{ItemID: "itm-1", Name: "Flat White", Quantity: 1, Price: 450},
		},
		Total:     450,
		Version:   version,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func sameOrders(t *testing.T, got, want []domain.Order) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d orders, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("order %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStoreInitialize(t *testing.T) {
	t.Run("loads orders and establishes subscription once", func(t *testing.T) {
		repo := &subscribingRepo{}
		repo.orders = []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()

		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		sameOrders(t, st.Orders(), repo.orders)
		if st.Loading() {
			t.Error("store still loading after Initialize")
		}
		if err := st.Err(); err != nil {
			t.Errorf("unexpected recorded error: %v", err)
		}

		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("second Initialize: %v", err)
		}
		repo.mu.Lock()
		subs := repo.subscribeCalls
		repo.mu.Unlock()
		if subs != 1 {
			t.Errorf("subscribeCalls = %d, want 1", subs)
		}

		// Pushed batches must flow into the collection.
		repo.push([]domain.Order{testOrder("ord-2", 1, domain.StatusNew)})
		if _, ok := st.Order("ord-2"); !ok {
			t.Error("pushed order ord-2 missing from collection")
		}
	})

	t.Run("fetch failure preserves previous collection", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()

		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		errBoom := errors.New("backend down")
		repo.mu.Lock()
		repo.fetchErr = errBoom
		repo.mu.Unlock()

		err := st.Initialize(context.Background())
		if !errors.Is(err, errBoom) {
			t.Fatalf("Initialize error = %v, want wrapped %v", err, errBoom)
		}
		if !errors.Is(st.Err(), errBoom) {
			t.Errorf("Err() = %v, want wrapped %v", st.Err(), errBoom)
		}
		sameOrders(t, st.Orders(), repo.orders)
		if st.Loading() {
			t.Error("store still loading after failed Initialize")
		}
	})

	t.Run("menu and stock load when supported", func(t *testing.T) {
		repo := &menuStockRepo{
			menu: []domain.MenuItem{{ID: "itm-1", VendorID: "vendor-1", Name: "Flat White", Category: "coffee", Price: 450, Available: true}},
			stock: map[string]domain.ItemStock{
				"itm-1": {ItemID: "itm-1", InStock: true},
			},
		}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()

		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		if menu := st.MenuItems(); len(menu) != 1 || menu[0].ID != "itm-1" {
			t.Errorf("MenuItems() = %+v, want the seeded item", menu)
		}
		if stock := st.Stock(); !stock["itm-1"].InStock {
			t.Errorf("Stock() = %+v, want itm-1 in stock", stock)
		}
	})

	t.Run("menu failure is recorded but not fatal", func(t *testing.T) {
		errMenu := errors.New("menu service down")
		repo := &menuStockRepo{menuErr: errMenu}
		repo.orders = []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()

		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		if !errors.Is(st.Err(), errMenu) {
			t.Errorf("Err() = %v, want wrapped %v", st.Err(), errMenu)
		}
		sameOrders(t, st.Orders(), repo.orders)
	})
}

func TestStoreChangeOrderStatus(t *testing.T) {
	t.Run("optimistic apply is visible before persist completes", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}}
		stamp := base.Add(5 * time.Minute)
		st := New(repo, "vendor-1", testLogger, WithClock(func() time.Time { return stamp }))
		defer st.Close()
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		entered := make(chan struct{})
		release := make(chan struct{})
		authoritative := testOrder("ord-1", 2, domain.StatusInProgress)
		repo.mu.Lock()
		repo.changeFn = func(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error) {
			close(entered)
			<-release
			return authoritative, nil
		}
		repo.mu.Unlock()

		done := make(chan struct{})
		var got domain.Order
		var gotErr error
		go func() {
			got, gotErr = st.ChangeOrderStatus(context.Background(), "ord-1", domain.StatusInProgress)
			close(done)
		}()

		<-entered
		mid, ok := st.Order("ord-1")
		if !ok {
			t.Fatal("order missing mid-flight")
		}
		if mid.Status != domain.StatusInProgress {
			t.Errorf("mid-flight status = %s, want %s", mid.Status, domain.StatusInProgress)
		}
		if mid.Version != 2 {
			t.Errorf("mid-flight version = %d, want 2", mid.Version)
		}
		if !mid.UpdatedAt.Equal(stamp) {
			t.Errorf("mid-flight updatedAt = %v, want %v", mid.UpdatedAt, stamp)
		}

		close(release)
		<-done
		if gotErr != nil {
			t.Fatalf("ChangeOrderStatus: %v", gotErr)
		}
		if !got.Equal(authoritative) {
			t.Errorf("returned order = %+v, want authoritative %+v", got, authoritative)
		}
	})

	t.Run("persist failure rolls the whole collection back", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{
			testOrder("ord-1", 1, domain.StatusNew),
			testOrder("ord-2", 4, domain.StatusReady),
		}}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		before := st.Orders()

		errBoom := errors.New("write refused")
		repo.mu.Lock()
		repo.changeFn = func(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error) {
			return domain.Order{}, errBoom
		}
		repo.mu.Unlock()

		_, err := st.ChangeOrderStatus(context.Background(), "ord-1", domain.StatusCompleted)
		if !errors.Is(err, errBoom) {
			t.Fatalf("ChangeOrderStatus error = %v, want wrapped %v", err, errBoom)
		}
		sameOrders(t, st.Orders(), before)
		if !errors.Is(st.Err(), errBoom) {
			t.Errorf("Err() = %v, want wrapped %v", st.Err(), errBoom)
		}
	})

	t.Run("newer push during persist survives a stale response", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		entered := make(chan struct{})
		release := make(chan struct{})
		stale := testOrder("ord-1", 2, domain.StatusInProgress)
		repo.mu.Lock()
		repo.changeFn = func(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error) {
			close(entered)
			<-release
			return stale, nil
		}
		repo.mu.Unlock()

		done := make(chan struct{})
		var got domain.Order
		go func() {
			got, _ = st.ChangeOrderStatus(context.Background(), "ord-1", domain.StatusInProgress)
			close(done)
		}()

		<-entered
		newer := testOrder("ord-1", 3, domain.StatusCompleted)
		st.MergeRemoteBatch([]domain.Order{newer})
		close(release)
		<-done

		if got.Version != 3 || got.Status != domain.StatusCompleted {
			t.Errorf("returned order = v%d %s, want v3 %s", got.Version, got.Status, domain.StatusCompleted)
		}
		final, _ := st.Order("ord-1")
		if !final.Equal(newer) {
			t.Errorf("final order = %+v, want the newer push %+v", final, newer)
		}
	})

	t.Run("unknown id fails synchronously without touching the repository", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		before := st.Orders()

		_, err := st.ChangeOrderStatus(context.Background(), "ord-nope", domain.StatusReady)
		if !errors.Is(err, repository.ErrOrderNotFound) {
			t.Fatalf("error = %v, want ErrOrderNotFound", err)
		}
		if _, change := repo.calls(); change != 0 {
			t.Errorf("repository ChangeOrderStatus called %d times, want 0", change)
		}
		sameOrders(t, st.Orders(), before)
	})
}

func TestStoreMergeRemoteBatch(t *testing.T) {
	t.Run("reconciles known rows, appends unknown, keeps local-only", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{
			testOrder("ord-1", 1, domain.StatusNew),
			testOrder("ord-2", 5, domain.StatusReady),
		}}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		st.MergeRemoteBatch([]domain.Order{
			testOrder("ord-1", 2, domain.StatusInProgress), // newer: wins
			testOrder("ord-2", 3, domain.StatusNew),        // stale: ignored
			testOrder("ord-3", 1, domain.StatusNew),        // unknown: appended
		})

		got := st.Orders()
		if len(got) != 3 {
			t.Fatalf("got %d orders, want 3", len(got))
		}
		if o, _ := st.Order("ord-1"); o.Version != 2 || o.Status != domain.StatusInProgress {
			t.Errorf("ord-1 = v%d %s, want v2 %s", o.Version, o.Status, domain.StatusInProgress)
		}
		if o, _ := st.Order("ord-2"); o.Version != 5 || o.Status != domain.StatusReady {
			t.Errorf("ord-2 = v%d %s, want untouched v5 %s", o.Version, o.Status, domain.StatusReady)
		}
		if _, ok := st.Order("ord-3"); !ok {
			t.Error("ord-3 not appended")
		}
	})

	t.Run("redundant delivery is a no-op", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		batch := []domain.Order{
			testOrder("ord-1", 2, domain.StatusInProgress),
			testOrder("ord-4", 1, domain.StatusNew),
		}
		st.MergeRemoteBatch(batch)
		first := st.Orders()
		st.MergeRemoteBatch(batch)
		sameOrders(t, st.Orders(), first)
	})

	t.Run("fires the change callback", func(t *testing.T) {
		var changes atomic.Int32
		repo := &fakeRepo{}
		st := New(repo, "vendor-1", testLogger, WithOnChange(func() { changes.Add(1) }))
		defer st.Close()

		st.MergeRemoteBatch([]domain.Order{testOrder("ord-1", 1, domain.StatusNew)})
		if changes.Load() == 0 {
			t.Error("onChange never fired")
		}
	})
}

func TestStoreRefresh(t *testing.T) {
	t.Run("replaces wholesale, bypassing reconciliation", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 9, domain.StatusCompleted)}}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		// The backend now reports an older version. A refresh must take
		// it anyway.
		repo.mu.Lock()
		repo.orders = []domain.Order{testOrder("ord-1", 4, domain.StatusReady)}
		repo.mu.Unlock()

		if err := st.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if o, _ := st.Order("ord-1"); o.Version != 4 {
			t.Errorf("ord-1 version = %d, want the backend's 4", o.Version)
		}
	})

	t.Run("failure keeps previous data and records the error", func(t *testing.T) {
		repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}}
		st := New(repo, "vendor-1", testLogger)
		defer st.Close()
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		before := st.Orders()

		errBoom := errors.New("backend down")
		repo.mu.Lock()
		repo.fetchErr = errBoom
		repo.mu.Unlock()

		if err := st.Refresh(context.Background()); !errors.Is(err, errBoom) {
			t.Fatalf("Refresh error = %v, want wrapped %v", err, errBoom)
		}
		sameOrders(t, st.Orders(), before)
		if !errors.Is(st.Err(), errBoom) {
			t.Errorf("Err() = %v, want wrapped %v", st.Err(), errBoom)
		}
	})
}

func TestStoreSelection(t *testing.T) {
	repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}}
	st := New(repo, "vendor-1", testLogger)
	defer st.Close()
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := st.SelectOrder("ord-nope"); !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("SelectOrder(unknown) = %v, want ErrOrderNotFound", err)
	}
	if err := st.SelectOrder("ord-1"); err != nil {
		t.Fatalf("SelectOrder: %v", err)
	}
	if sel, ok := st.Selected(); !ok || sel.ID != "ord-1" {
		t.Fatalf("Selected() = %+v, %v; want ord-1, true", sel, ok)
	}

	// Selection resolves against the live collection: once the order is
	// gone, so is the selection.
	repo.mu.Lock()
	repo.orders = nil
	repo.mu.Unlock()
	if err := st.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := st.Selected(); ok {
		t.Error("Selected() still resolves after the order left the collection")
	}

	st.ClearSelection()
	if _, ok := st.Selected(); ok {
		t.Error("Selected() non-empty after ClearSelection")
	}
}

func TestStoreOrdersDetached(t *testing.T) {
	repo := &fakeRepo{orders: []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}}
	st := New(repo, "vendor-1", testLogger)
	defer st.Close()
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	out := st.Orders()
	out[0].Status = domain.StatusCancelled
	out[0].Items[0].Quantity = 99

	fresh, _ := st.Order("ord-1")
	if fresh.Status != domain.StatusNew {
		t.Errorf("mutating a returned slice leaked into the store: status = %s", fresh.Status)
	}
	if fresh.Items[0].Quantity != 1 {
		t.Errorf("mutating returned items leaked into the store: quantity = %d", fresh.Items[0].Quantity)
	}
}

func TestStoreClose(t *testing.T) {
	repo := &subscribingRepo{}
	repo.orders = []domain.Order{testOrder("ord-1", 1, domain.StatusNew)}
	st := New(repo, "vendor-1", testLogger)
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	st.Close()
	st.Close()
	repo.mu.Lock()
	unsubs := repo.unsubCalls
	repo.mu.Unlock()
	if unsubs != 1 {
		t.Errorf("unsubscribe called %d times, want 1", unsubs)
	}
}
