package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-cart-reservations.git/internal/cart"
)

type CartHandler struct {
	Svc *cart.Service
}

type addItemReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type updateItemReq struct {
	Quantity int `json:"quantity"`
}

func (h *CartHandler) Register(r *chi.Mux) {
	r.Get("/cart", h.getCart)
	r.Delete("/cart", h.clearCart)
	r.Post("/cart/items", h.addItem)
	r.Patch("/cart/items/{id}", h.updateItem)
	r.Delete("/cart/items/{id}", h.removeItem)
}

func (h *CartHandler) addItem(w http.ResponseWriter, r *http.Request) {
	userID, email, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	var req addItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing product_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Svc.AddItem(ctx, userID, req.ProductID, req.Quantity, email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (h *CartHandler) updateItem(w http.ResponseWriter, r *http.Request) {
	userID, email, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	itemID := chi.URLParam(r, "id")
	var req updateItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Svc.UpdateItem(ctx, userID, itemID, req.Quantity, email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *CartHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	itemID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Svc.RemoveItem(ctx, userID, itemID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *CartHandler) clearCart(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Svc.Clear(ctx, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *CartHandler) getCart(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := userFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	c, err := h.Svc.Get(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	type itemView struct {
		ID         string `json:"id"`
		ProductID  string `json:"product_id"`
		Quantity   int    `json:"quantity"`
		PriceCents int    `json:"price_cents"`
	}
	items := make([]itemView, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, itemView{ID: it.ID, ProductID: it.ProductID, Quantity: it.Quantity, PriceCents: it.PriceCents})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         c.ID,
		"expires_at": c.ExpiresAt,
		"items":      items,
	})
}
