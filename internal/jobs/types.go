// Package jobs holds the job-type constants and payload shapes shared by
// the schedulers (API side) and the handlers (worker side).
package jobs

const (
	// CartExpire releases a cart's reserved stock when the shopper walks
	// away. Payload: CartExpirePayload.
	CartExpire = "cart:expire"
	// OrderExpire releases a pending order's reservations when it is never
	// paid. Payload: OrderExpirePayload.
	OrderExpire = "order:expire"
	// EmailSend delivers a templated notification. Payload: EmailSendPayload.
	EmailSend = "email:send"
)

// All lists every job type the worker must have a handler for; the static
// registry is checked against it at startup.
func All() []string {
	return []string{CartExpire, OrderExpire, EmailSend}
}

type CartItemRef struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CartExpirePayload struct {
	Cart struct {
		ID     string        `json:"id"`
		UserID string        `json:"user_id"`
		Items  []CartItemRef `json:"items"`
	} `json:"cart"`
	Email string `json:"email"`
}

type OrderItemRef struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderExpirePayload struct {
	Order struct {
		ID    string         `json:"id"`
		Items []OrderItemRef `json:"items"`
	} `json:"order"`
}

type EmailSendPayload struct {
	Template string `json:"template"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Data     any    `json:"data,omitempty"`
}
