package model

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentCompleted, PaymentFailed},
	PaymentFailed:    {PaymentCompleted},
	PaymentCompleted: {PaymentRefunded},
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Payment records one one-off transaction for exactly one appointment.
// StripePaymentIntentID is the idempotency key: unique across all payments,
// and at most one payment per appointment ever reaches completed.
type Payment struct {
	ID                    string
	AppointmentID         string
	AmountCents           int64
	Currency              string
	Status                PaymentStatus
	StripePaymentIntentID string
	FailureReason         string
	RefundAmountCents     int64
	RefundReason          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
