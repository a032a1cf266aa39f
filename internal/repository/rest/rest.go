// Package rest implements the order repository against the managed
// PocketShop backend's HTTP API. It is the default production path for
// vendors that do not run their own database; the backend stays the
// source of truth and assigns versions.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pocketshop/ordersync/internal/domain"
	"github.com/pocketshop/ordersync/internal/feed"
	"github.com/pocketshop/ordersync/internal/repository"
)

type Option func(*Repository)

// WithAuthToken sends the vendor API token as a bearer credential on
// every request.
func WithAuthToken(token string) Option {
	return func(r *Repository) { r.token = token }
}

// WithSubscriber lets the repository satisfy the realtime capability by
// delegating to a feed subscriber.
func WithSubscriber(sub feed.Subscriber) Option {
	return func(r *Repository) { r.sub = sub }
}

type Repository struct {
	baseURL string
	token   string
	client  *http.Client
	sub     feed.Subscriber
}

func New(baseURL string, client *http.Client, opts ...Option) *Repository {
	r := &Repository{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) FetchOrders(ctx context.Context, vendorID string) ([]domain.Order, error) {
	var orders []domain.Order
	if err := r.getJSON(ctx, fmt.Sprintf("/vendors/%s/orders", vendorID), &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *Repository) ChangeOrderStatus(ctx context.Context, vendorID, orderID string, status domain.Status) (domain.Order, error) {
	data, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return domain.Order{}, fmt.Errorf("marshal status change: %w", err)
	}

	url := fmt.Sprintf("%s/vendors/%s/orders/%s/status", r.baseURL, vendorID, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(data))
	if err != nil {
		return domain.Order{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.Order{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Order{}, repository.ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Order{}, fmt.Errorf("backend returned status %d updating order %s", resp.StatusCode, orderID)
	}

	var order domain.Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return domain.Order{}, fmt.Errorf("decode updated order: %w", err)
	}
	return order, nil
}

func (r *Repository) FetchMenuItems(ctx context.Context, vendorID string) ([]domain.MenuItem, error) {
	var items []domain.MenuItem
	if err := r.getJSON(ctx, fmt.Sprintf("/vendors/%s/menu", vendorID), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *Repository) FetchItemStock(ctx context.Context, vendorID string) (map[string]domain.ItemStock, error) {
	var stock map[string]domain.ItemStock
	if err := r.getJSON(ctx, fmt.Sprintf("/vendors/%s/stock", vendorID), &stock); err != nil {
		return nil, err
	}
	return stock, nil
}

// SubscribeToOrders delegates to the configured feed subscriber; the
// managed backend publishes its changes onto the same feed.
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

func (r *Repository) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

func (r *Repository) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}
