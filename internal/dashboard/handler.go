// Package dashboard exposes the vendor-facing HTTP surface: JSON
// endpoints mirroring the order store plus a websocket stream that
// pushes a fresh state snapshot after every change.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketshop/ordersync/internal/domain"
	"github.com/pocketshop/ordersync/internal/repository"
	"github.com/pocketshop/ordersync/internal/store"
)

// Server owns one vendor's order store and the hub that mirrors it to
// websocket clients.
type Server struct {
	store  *store.Store
	hub    *Hub
	logger *slog.Logger
}

func NewServer(repo repository.Repository, vendorID string, logger *slog.Logger) *Server {
	s := &Server{
		hub:    NewHub(logger),
		logger: logger,
	}
	s.store = store.New(repo, vendorID, logger, store.WithOnChange(s.pushState))
	return s
}

// Store exposes the underlying order store, mainly for tests and
// embedding callers.
func (s *Server) Store() *store.Store {
	return s.store
}

// Start runs the websocket hub and performs the initial load. An
// initial-load error leaves the server running: the store records the
// failure and a later refresh can recover.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	return s.store.Initialize(ctx)
}

func (s *Server) Close() {
	s.store.Close()
}

type stateResponse struct {
	VendorID string         `json:"vendor_id"`
	Orders   []domain.Order `json:"orders"`
	Loading  bool           `json:"loading"`
	Error    string         `json:"error,omitempty"`
	Selected *domain.Order  `json:"selected,omitempty"`
}

func (s *Server) state() stateResponse {
	resp := stateResponse{
		VendorID: s.store.VendorID(),
		Orders:   s.store.Orders(),
		Loading:  s.store.Loading(),
	}
	if err := s.store.Err(); err != nil {
		resp.Error = err.Error()
	}
	if sel, ok := s.store.Selected(); ok {
		resp.Selected = &sel
	}
	return resp
}

func (s *Server) pushState() {
	data, err := json.Marshal(s.state())
	if err != nil {
		s.logger.Error("failed to encode state snapshot", "error", err)
		return
	}
	s.hub.Broadcast(data)
}

func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, ok := s.store.Order(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	s.writeJSON(w, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status domain.Status `json:"status"`
}

func (s *Server) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	order, err := s.store.ChangeOrderStatus(r.Context(), id, req.Status)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("failed to update order status", "error", err, "order_id", id)
		s.writeError(w, http.StatusBadGateway, "status change failed")
		return
	}

	s.logger.Info("order status updated", "order_id", order.ID, "status", order.Status, "version", order.Version)
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Refresh(r.Context()); err != nil {
		s.logger.Error("failed to refresh orders", "error", err)
		s.writeError(w, http.StatusBadGateway, "refresh failed")
		return
	}

	s.logger.Info("orders refreshed", "count", len(s.store.Orders()))
	s.writeJSON(w, http.StatusOK, s.state())
}

type selectRequest struct {
	OrderID string `json:"order_id"`
}

func (s *Server) HandleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.SelectOrder(req.OrderID); err != nil {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	order, _ := s.store.Selected()
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) HandleClearSelection(w http.ResponseWriter, r *http.Request) {
	s.store.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleGetSelection(w http.ResponseWriter, r *http.Request) {
	order, ok := s.store.Selected()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no order selected")
		return
	}

	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) HandleMenu(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.MenuItems())
}

func (s *Server) HandleStock(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stock())
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(s.state())
	if err != nil {
		s.logger.Error("failed to encode state snapshot", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.hub.ServeWS(w, r, data)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
