// Package postgres implements the order repository directly against a
// Postgres database, for deployments that own their order data instead
// of going through the managed backend. Writes bump the order's version
// atomically; an optional feed publisher pushes each mutation so
// connected dashboards converge without polling.
package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pocketshop/ordersync/internal/domain"
	"github.com/pocketshop/ordersync/internal/feed"
	"github.com/pocketshop/ordersync/internal/repository"
)

type Option func(*Repository)

// WithPublisher pushes every successful mutation to the feed. Publish
// failures are logged, never surfaced to the caller: the write already
// committed, and dashboards recover through fetch-and-reconcile.
func WithPublisher(pub feed.Publisher) Option {
	return func(r *Repository) { r.pub = pub }
}

// WithSubscriber lets the repository satisfy the realtime capability by
// delegating to a feed subscriber.
func WithSubscriber(sub feed.Subscriber) Option {
	return func(r *Repository) { r.sub = sub }
}

type Repository struct {
	db     *sql.DB
	pub    feed.Publisher
	sub    feed.Subscriber
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger, opts ...Option) *Repository {
	r := &Repository{db: db, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const orderColumns = `id, vendor_id, order_number, customer_name, order_type,
		       status, payment_status, payment_method, total, version, created_at, updated_at`

func (r *Repository) FetchOrders(ctx context.Context, vendorID string) ([]domain.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE vendor_id = $1
		ORDER BY created_at DESC
	`, vendorID)
}

// FetchOrdersChangedSince lists orders across all vendors whose
// updated_at is at or after the cutoff, oldest first. The feed relay
// polls with this.
func (r *Repository) FetchOrdersChangedSince(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE updated_at >= $1
		ORDER BY updated_at ASC
	`, cutoff)
}

func (r *Repository) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		var order domain.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, err
		}
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = &order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT order_id, item_id, name, quantity, price
		FROM order_items
		WHERE order_id = ANY($1)
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := itemRows.Scan(&orderID, &item.ItemID, &item.Name, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		order := orderMap[orderID]
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, order *domain.Order) error {
	return row.Scan(
		&order.ID, &order.VendorID, &order.OrderNumber, &order.CustomerName, &order.OrderType,
		&order.Status, &order.PaymentStatus, &order.PaymentMethod, &order.Total, &order.Version,
		&order.CreatedAt, &order.UpdatedAt,
	)
}

// ChangeOrderStatus persists the new status, advancing the version by
// exactly one, and returns the stored row. Zero affected rows means the
// order does not exist for this vendor.
func (r *Repository) ChangeOrderStatus(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND vendor_id = $3
	`, status, orderID, vendorID)
	if err != nil {
		return domain.Order{}, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Order{}, err
	}
	if rowsAffected == 0 {
		return domain.Order{}, repository.ErrOrderNotFound
	}

	updated, err := r.getByID(ctx, vendorID, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	r.publish(ctx, vendorID, updated)
	return updated, nil
}

// CreateOrder inserts an order with its line items in one transaction.
// Missing identity and bookkeeping fields are filled in: id, version 1,
// creation timestamps.
func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Version == 0 {
		order.Version = 1
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, vendor_id, order_number, customer_name, order_type,
				    status, payment_status, payment_method, total, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, order.ID, order.VendorID, order.OrderNumber, order.CustomerName, order.OrderType,
		order.Status, order.PaymentStatus, order.PaymentMethod, order.Total, order.Version, order.CreatedAt)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, item_id, name, quantity, price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), order.ID, item.ItemID, item.Name, item.Quantity, item.Price)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	r.publish(ctx, order.VendorID, *order)
	return nil
}

func (r *Repository) getByID(ctx context.Context, vendorID, orderID string) (domain.Order, error) {
	var order domain.Order
	err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1 AND vendor_id = $2
	`, orderID, vendorID), &order)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Order{}, repository.ErrOrderNotFound
		}
		return domain.Order{}, err
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT item_id, name, quantity, price
		FROM order_items
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var item domain.OrderItem
		if err := itemRows.Scan(&item.ItemID, &item.Name, &item.Quantity, &item.Price); err != nil {
			return domain.Order{}, err
		}
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return domain.Order{}, err
	}

	return order, nil
}

func (r *Repository) FetchMenuItems(ctx context.Context, vendorID string) ([]domain.MenuItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, vendor_id, name, category, price, available
		FROM menu_items
		WHERE vendor_id = $1
		ORDER BY category, name
	`, vendorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []domain.MenuItem
	for rows.Next() {
		var item domain.MenuItem
		if err := rows.Scan(&item.ID, &item.VendorID, &item.Name, &item.Category, &item.Price, &item.Available); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *Repository) FetchItemStock(ctx context.Context, vendorID string) (map[string]domain.ItemStock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT item_id, in_stock, quantity, out_of_stock_until
		FROM item_stock
		WHERE vendor_id = $1
	`, vendorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stock := make(map[string]domain.ItemStock)
	for rows.Next() {
		var entry domain.ItemStock
		var quantity sql.NullInt64
		var until sql.NullTime
		if err := rows.Scan(&entry.ItemID, &entry.InStock, &quantity, &until); err != nil {
			return nil, err
		}
		if quantity.Valid {
			q := int(quantity.Int64)
			entry.Quantity = &q
		}
		if until.Valid {
			t := until.Time
			entry.OutOfStockUntil = &t
		}
		stock[entry.ItemID] = entry
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stock, nil
}

// SubscribeToOrders delegates to the configured feed subscriber.
func (r *Repository) SubscribeToOrders(ctx context.Context, vendorID string, fn repository.BatchHandler) (repository.UnsubscribeFunc, error) {
	if r.sub == nil {
		return nil, repository.ErrNoRealtime
	}
	stop, err := r.sub.Subscribe(ctx, vendorID, func(ctx context.Context, batch domain.OrderBatch) {
		fn(ctx, batch.Orders)
	})
	if err != nil {
		return nil, err
	}
	return stop, nil
}

func (r *Repository) publish(ctx context.Context, vendorID string, order domain.Order) {
	if r.pub == nil {
		return
	}
	batch := domain.OrderBatch{
		EventID:   uuid.New().String(),
		VendorID:  vendorID,
		Orders:    []domain.Order{order},
		EmittedAt: time.Now().UTC(),
	}
	if err := r.pub.PublishBatch(ctx, batch); err != nil {
		r.logger.Error("publishing order change", "error", err, "vendor_id", vendorID, "order_id", order.ID)
	}
}
