package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-cart-reservations.git/internal/order"
	"github.com/ariefcatur/go-cart-reservations.git/internal/shop"
)

type OrdersHandler struct {
	Svc *order.Service
}

type updateStatusReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Patch("/orders/{id}/status", h.updateStatus)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, email, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.Create(ctx, userID, email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderView(o))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Svc.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if o.UserID != userID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, orderView(o))
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out, err := h.Svc.ListByUser(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	var req updateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	orderID := chi.URLParam(r, "id")
	if !h.owns(ctx, w, orderID, userID) {
		return
	}
	if err := h.Svc.UpdateStatus(ctx, orderID, shop.Status(req.Status)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	orderID := chi.URLParam(r, "id")
	if !h.owns(ctx, w, orderID, userID) {
		return
	}
	if err := h.Svc.Cancel(ctx, orderID, false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// owns verifies the order belongs to the caller, writing the response
// itself when it does not. Someone else's order looks like no order at all.
func (h *OrdersHandler) owns(ctx context.Context, w http.ResponseWriter, orderID, userID string) bool {
	o, err := h.Svc.Get(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if o.UserID != userID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return false
	}
	return true
}

func orderView(o *shop.Order) map[string]any {
	type itemView struct {
		ID         string `json:"id"`
		ProductID  string `json:"product_id"`
		Quantity   int    `json:"quantity"`
		PriceCents int    `json:"price_cents"`
		IsActive   bool   `json:"is_active"`
	}
	items := make([]itemView, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemView{
			ID: it.ID, ProductID: it.ProductID, Quantity: it.Quantity,
			PriceCents: it.PriceCents, IsActive: it.IsActive,
		})
	}
	return map[string]any{
		"id":             o.ID,
		"order_number":   o.OrderNumber,
		"status":         o.Status,
		"payment_status": o.PaymentStatus,
		"total_cents":    o.TotalCents,
		"expires_at":     o.ExpiresAt,
		"items":          items,
	}
}
