package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-cart-reservations.git/internal/shop"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	if ise, ok := shop.AsInsufficientStock(err); ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient stock",
			"product_id": ise.ProductID,
			"required":   ise.Required,
			"available":  ise.Available,
		})
		return
	}
	switch {
	case errors.Is(err, shop.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, shop.ErrBadRequest), errors.Is(err, shop.ErrSameStatus):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// Identity is an external collaborator; the gateway in front of this
// service resolves the session and forwards the user.
func userFrom(r *http.Request) (userID, email string, ok bool) {
	userID = r.Header.Get("X-User-Id")
	email = r.Header.Get("X-User-Email")
	return userID, email, userID != ""
}
