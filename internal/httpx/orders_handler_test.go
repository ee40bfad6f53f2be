package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Every cart and order endpoint requires the forwarded identity. The
// handlers must refuse before touching the service, so a nil service is
// enough to prove it: any request that slips past the check panics.
func TestEndpointsRequireUser(t *testing.T) {
	router := NewRouter()
	(&OrdersHandler{}).Register(router)
	(&CartHandler{}).Register(router)

	cases := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/cart", ""},
		{http.MethodDelete, "/cart", ""},
		{http.MethodPost, "/cart/items", `{"product_id":"p1","quantity":1}`},
		{http.MethodPatch, "/cart/items/i1", `{"quantity":2}`},
		{http.MethodDelete, "/cart/items/i1", ""},
		{http.MethodPost, "/orders", ""},
		{http.MethodGet, "/orders", ""},
		{http.MethodGet, "/orders/o1", ""},
		{http.MethodPatch, "/orders/o1/status", `{"status":"canceled"}`},
		{http.MethodPost, "/orders/o1/cancel", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}
