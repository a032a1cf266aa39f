//go:build integration

package test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/pocketshop/ordersync/internal/domain"
	"github.com/pocketshop/ordersync/internal/feed"
	"github.com/pocketshop/ordersync/internal/relay"
	"github.com/pocketshop/ordersync/internal/repository"
	"github.com/pocketshop/ordersync/internal/repository/postgres"
	"github.com/pocketshop/ordersync/internal/store"
)

const seededVendor = "vnd-1001"

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestPostgresRepository(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := postgres.New(db, logger)

	orders, err := repo.FetchOrders(ctx, seededVendor)
	if err != nil {
		t.Fatalf("FetchOrders: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 seeded orders, got %d", len(orders))
	}
	var seeded domain.Order
	for _, o := range orders {
		if o.ID == "ord-1001" {
			seeded = o
		}
	}
	if seeded.ID == "" {
		t.Fatal("seeded order ord-1001 not found")
	}
	if len(seeded.Items) != 2 {
		t.Fatalf("expected 2 items on ord-1001, got %d", len(seeded.Items))
	}
	if seeded.Version != 1 || seeded.Status != domain.StatusNew {
		t.Fatalf("unexpected seeded state: version %d status %s", seeded.Version, seeded.Status)
	}

	updated, err := repo.ChangeOrderStatus(ctx, seededVendor, "ord-1001", domain.StatusInProgress)
	if err != nil {
		t.Fatalf("ChangeOrderStatus: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 after status change, got %d", updated.Version)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("expected status IN_PROGRESS, got %s", updated.Status)
	}
	if len(updated.Items) != 2 {
		t.Fatalf("expected items preserved on read-back, got %d", len(updated.Items))
	}

	if _, err := repo.ChangeOrderStatus(ctx, seededVendor, "ord-missing", domain.StatusReady); !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	created := &domain.Order{
		VendorID:     "vnd-2002",
		OrderNumber:  "B-201",
		CustomerName: "Sam",
		OrderType:    "pickup",
		Status:       domain.StatusNew,
		Items: []domain.OrderItem{
			{ItemID: "itm-espresso", Name: "Espresso", Quantity: 2, Price: 300},
		},
		Total: 600,
	}
	if err := repo.CreateOrder(ctx, created); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("expected generated id and version 1, got %q v%d", created.ID, created.Version)
	}

	changed, err := repo.FetchOrdersChangedSince(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("FetchOrdersChangedSince: %v", err)
	}
	ids := map[string]bool{}
	for _, o := range changed {
		ids[o.ID] = true
	}
	if !ids["ord-1001"] || !ids[created.ID] {
		t.Fatalf("expected recently changed orders across vendors, got %v", ids)
	}
	if ids["ord-1003"] {
		t.Fatal("expected orders older than the cutoff to be excluded")
	}

	menu, err := repo.FetchMenuItems(ctx, seededVendor)
	if err != nil {
		t.Fatalf("FetchMenuItems: %v", err)
	}
	if len(menu) != 6 {
		t.Fatalf("expected 6 menu items, got %d", len(menu))
	}

	stock, err := repo.FetchItemStock(ctx, seededVendor)
	if err != nil {
		t.Fatalf("FetchItemStock: %v", err)
	}
	banana, ok := stock["itm-banana-bread"]
	if !ok {
		t.Fatal("expected stock entry for itm-banana-bread")
	}
	if banana.InStock {
		t.Fatal("expected itm-banana-bread to be out of stock")
	}
	if banana.OutOfStockUntil == nil {
		t.Fatal("expected itm-banana-bread to carry a restock time")
	}
}

func TestKafkaFeedRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	topic := "orders.changed"

	pub := feed.NewKafkaPublisher(brokers, topic)
	defer func() { _ = pub.Close() }()

	var mu sync.Mutex
	var received []domain.OrderBatch
	sub := feed.NewKafkaSubscriber(brokers, topic, "roundtrip-group", logger,
		feed.WithStartOffset(kafkago.FirstOffset))
	stop, err := sub.Subscribe(ctx, seededVendor, func(_ context.Context, batch domain.OrderBatch) {
		mu.Lock()
		received = append(received, batch)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	// A batch for another vendor lands on the same topic and must be
	// skipped, not delivered.
	other := domain.OrderBatch{
		EventID:  "evt-other",
		VendorID: "vnd-9999",
		Orders:   []domain.Order{{ID: "ord-x", VendorID: "vnd-9999", Version: 1}},
	}
	if err := pub.PublishBatch(ctx, other); err != nil {
		t.Fatalf("PublishBatch (other vendor): %v", err)
	}

	want := domain.OrderBatch{
		EventID:   "evt-1",
		VendorID:  seededVendor,
		Orders:    []domain.Order{{ID: "ord-1001", VendorID: seededVendor, Status: domain.StatusReady, Version: 7}},
		EmittedAt: time.Now().UTC(),
	}
	if err := pub.PublishBatch(ctx, want); err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}

	waitFor(t, 60*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, "batch delivery")

	mu.Lock()
	defer mu.Unlock()
	got := received[0]
	if got.EventID != "evt-1" || got.VendorID != seededVendor {
		t.Fatalf("unexpected batch: %+v", got)
	}
	if len(got.Orders) != 1 || got.Orders[0].Version != 7 {
		t.Fatalf("unexpected batch orders: %+v", got.Orders)
	}
	for _, b := range received {
		if b.VendorID != seededVendor {
			t.Fatalf("received batch for wrong vendor: %s", b.VendorID)
		}
	}
}

// TestDashboardConvergence runs the full production path: two stores on
// separate connections, one relay polling Postgres and publishing to
// Kafka, and a status change on one store becoming visible on the
// other. The relay's overlapping windows redeliver the same rows many
// times over the run; version reconciliation must keep that invisible.
func TestDashboardConvergence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	brokers, cleanupKafka := SetupKafka(ctx, t)
	defer cleanupKafka()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	topic := "orders.changed"

	relayDB, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open relay DB: %v", err)
	}
	defer func() { _ = relayDB.Close() }()

	pub := feed.NewKafkaPublisher(brokers, topic)
	defer func() { _ = pub.Close() }()

	sweeper := relay.New(postgres.New(relayDB, logger), pub, 200*time.Millisecond, 30*time.Second, logger)
	go func() { _ = sweeper.Run(ctx) }()

	newStore := func(group string) *store.Store {
		db, err := OpenDB(pg.ConnStr)
		if err != nil {
			t.Fatalf("failed to open DB for %s: %v", group, err)
		}
		t.Cleanup(func() { _ = db.Close() })

		sub := feed.NewKafkaSubscriber(brokers, topic, group, logger,
			feed.WithStartOffset(kafkago.FirstOffset))
		repo := postgres.New(db, logger, postgres.WithSubscriber(sub))

		st := store.New(repo, seededVendor, logger)
		t.Cleanup(st.Close)
		if err := st.Initialize(ctx); err != nil {
			t.Fatalf("initialize store %s: %v", group, err)
		}
		return st
	}

	counterStore := newStore("dashboard-counter")
	kitchenStore := newStore("dashboard-kitchen")

	if got := len(kitchenStore.Orders()); got != 3 {
		t.Fatalf("expected 3 seeded orders on kitchen store, got %d", got)
	}

	updated, err := counterStore.ChangeOrderStatus(ctx, "ord-1001", domain.StatusInProgress)
	if err != nil {
		t.Fatalf("ChangeOrderStatus: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 from the counter store, got %d", updated.Version)
	}

	waitFor(t, 90*time.Second, func() bool {
		o, ok := kitchenStore.Order("ord-1001")
		return ok && o.Status == domain.StatusInProgress && o.Version == 2
	}, "kitchen store to converge on the counter's change")

	// The relay keeps redelivering the same window; the collection must
	// hold steady instead of duplicating or regressing.
	time.Sleep(2 * time.Second)
	o, ok := kitchenStore.Order("ord-1001")
	if !ok || o.Version != 2 || o.Status != domain.StatusInProgress {
		t.Fatalf("kitchen store regressed after redelivery: %+v", o)
	}
	if got := len(kitchenStore.Orders()); got != 3 {
		t.Fatalf("expected 3 orders after redeliveries, got %d", got)
	}
}
