package model

import "time"

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment links a query to a gateway checkout session. At most one paid
// payment may exist per query.
type Payment struct {
	ID               string        `json:"id"`
	QueryID          string        `json:"query_id"`
	GatewaySessionID string        `json:"gateway_session_id"`
	AmountUSD        float64       `json:"amount_usd"`
	Status           PaymentStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
