package shop

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentCanceled PaymentStatus = "canceled"
)

var validStatus = map[Status]bool{
	StatusPending:    true,
	StatusProcessing: true,
	StatusShipped:    true,
	StatusDelivered:  true,
	StatusCanceled:   true,
	StatusExpired:    true,
}

func ValidStatus(s Status) bool { return validStatus[s] }

// Terminal statuses have released their stock reservations. They may still
// be reactivated by an explicit transition, which re-reserves stock.
func Terminal(s Status) bool {
	return s == StatusCanceled || s == StatusExpired
}
