package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
	"github.com/carebridge/carebridge/services/booking-service/internal/outbox"
	"github.com/carebridge/carebridge/services/booking-service/internal/storage"
	"github.com/jackc/pgx/v5"
)

// Normalized processor event types. Webhook deliveries, manual syncs and the
// periodic reconciler all reduce to these before touching state.
const (
	EventPaymentSucceeded        = "payment_succeeded"
	EventPaymentFailed           = "payment_failed"
	EventChargeRefunded          = "charge_refunded"
	EventSubscriptionUpdated     = "subscription_updated"
	EventSubscriptionDeleted     = "subscription_deleted"
	EventInvoicePaymentSucceeded = "invoice_payment_succeeded"
	EventInvoicePaymentFailed    = "invoice_payment_failed"
)

// Event is a processor notification normalized away from its delivery
// channel. Fields not relevant to the event type are zero.
type Event struct {
	Type               string
	PaymentIntentID    string
	SubscriptionID     string
	AppointmentID      string
	SeniorID           string
	PlanID             string
	AmountCents        int64
	Currency           string
	RefundAmountCents  int64
	RefundReason       string
	FailureReason      string
	SubscriptionStatus string
	PeriodEnd          *time.Time
	OccurredAt         time.Time
}

// Store is the slice of the storage layer the applier drives. Every write
// is a guarded conditional update: the predicate carries the expected prior
// state and zero affected rows means "already applied", never an error.
type Store interface {
	GetPaymentByIntentForUpdate(ctx context.Context, tx pgx.Tx, intentID string) (model.Payment, bool, error)
	CompletePaymentByIntent(ctx context.Context, tx pgx.Tx, intentID string) (bool, error)
	PromotePendingPayment(ctx context.Context, tx pgx.Tx, appointmentID, intentID string, amountCents int64) (bool, error)
	InsertCompletedPayment(ctx context.Context, tx pgx.Tx, appointmentID, intentID string, amountCents int64, currency string) (bool, error)
	MarkPaymentFailed(ctx context.Context, tx pgx.Tx, intentID, reason string) (bool, error)
	MarkPaymentRefunded(ctx context.Context, tx pgx.Tx, intentID string, refundCents int64, reason string) (bool, error)
	ConfirmAppointmentIfPending(ctx context.Context, tx pgx.Tx, id string) (bool, error)

	GetMembershipBySubscriptionForUpdate(ctx context.Context, tx pgx.Tx, subscriptionID string) (model.Membership, bool, error)
	InsertActiveMembership(ctx context.Context, tx pgx.Tx, m model.Membership) (bool, error)
	ReinstateMembership(ctx context.Context, tx pgx.Tx, subscriptionID string, occurredAt time.Time, nextBillingAt *time.Time) (bool, error)
	RefreshMembershipBilling(ctx context.Context, tx pgx.Tx, subscriptionID string, nextBillingAt *time.Time) (bool, error)
	CancelMembership(ctx context.Context, tx pgx.Tx, subscriptionID string, occurredAt time.Time, effectiveAt *time.Time) (bool, error)
	SetCurrentMembership(ctx context.Context, tx pgx.Tx, seniorID, subscriptionID string) error
	ClearCurrentMembership(ctx context.Context, tx pgx.Tx, subscriptionID string) error
}

// Sink receives domain events for transactional publication.
type Sink interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// Applier converges local state toward what the processor reports. Apply is
// idempotent: every branch either transitions state exactly once or detects
// the transition already happened and does nothing.
type Applier struct {
	store  Store
	sink   Sink
	logger *slog.Logger
}

func NewApplier(store Store, sink Sink, logger *slog.Logger) *Applier {
	return &Applier{store: store, sink: sink, logger: logger}
}

func (a *Applier) Apply(ctx context.Context, tx pgx.Tx, evt Event) error {
	switch evt.Type {
	case EventPaymentSucceeded:
		return a.applyPaymentSucceeded(ctx, tx, evt)
	case EventPaymentFailed:
		return a.applyPaymentFailed(ctx, tx, evt)
	case EventChargeRefunded:
		return a.applyChargeRefunded(ctx, tx, evt)
	case EventInvoicePaymentSucceeded:
		return a.applyMembershipActivation(ctx, tx, evt)
	case EventInvoicePaymentFailed:
		a.logger.Warn("membership renewal payment failed",
			"subscription_id", evt.SubscriptionID, "reason", evt.FailureReason)
		return nil
	case EventSubscriptionUpdated:
		return a.applySubscriptionUpdated(ctx, tx, evt)
	case EventSubscriptionDeleted:
		return a.applySubscriptionDeleted(ctx, tx, evt)
	default:
		a.logger.Info("ignoring unhandled event type", "type", evt.Type)
		return nil
	}
}

func (a *Applier) applyPaymentSucceeded(ctx context.Context, tx pgx.Tx, evt Event) error {
	payment, found, err := a.store.GetPaymentByIntentForUpdate(ctx, tx, evt.PaymentIntentID)
	if err != nil {
		return err
	}

	var applied bool
	appointmentID := evt.AppointmentID
	switch {
	case found:
		appointmentID = payment.AppointmentID
		applied, err = a.store.CompletePaymentByIntent(ctx, tx, evt.PaymentIntentID)
	case evt.AppointmentID != "":
		// No row under this intent id yet. Attach it to the pending payment
		// pre-created at intent time, or record it outright.
		applied, err = a.store.PromotePendingPayment(ctx, tx, evt.AppointmentID, evt.PaymentIntentID, evt.AmountCents)
		if err == nil && !applied {
			applied, err = a.store.InsertCompletedPayment(ctx, tx, evt.AppointmentID, evt.PaymentIntentID, evt.AmountCents, evt.Currency)
		}
	default:
		a.logger.Warn("payment success without a known appointment", "intent_id", evt.PaymentIntentID)
		return nil
	}
	if err != nil {
		if storage.IsUniqueViolation(err) {
			// A concurrent delivery recorded the same completion first.
			return nil
		}
		return err
	}
	if !applied {
		return nil
	}

	confirmed, err := a.store.ConfirmAppointmentIfPending(ctx, tx, appointmentID)
	if err != nil {
		return err
	}

	if err := a.emit(ctx, tx, "payment", evt.PaymentIntentID, outbox.EventPaymentCompleted, map[string]any{
		"appointment_id":    appointmentID,
		"payment_intent_id": evt.PaymentIntentID,
		"amount_cents":      evt.AmountCents,
		"currency":          evt.Currency,
	}); err != nil {
		return err
	}
	if confirmed {
		return a.emit(ctx, tx, "appointment", appointmentID, outbox.EventAppointmentConfirmed, map[string]any{
			"appointment_id": appointmentID,
		})
	}
	return nil
}

func (a *Applier) applyPaymentFailed(ctx context.Context, tx pgx.Tx, evt Event) error {
	applied, err := a.store.MarkPaymentFailed(ctx, tx, evt.PaymentIntentID, evt.FailureReason)
	if err != nil {
		return err
	}
	if !applied {
		a.logger.Info("payment failure already recorded or superseded", "intent_id", evt.PaymentIntentID)
	}
	return nil
}

func (a *Applier) applyChargeRefunded(ctx context.Context, tx pgx.Tx, evt Event) error {
	applied, err := a.store.MarkPaymentRefunded(ctx, tx, evt.PaymentIntentID, evt.RefundAmountCents, evt.RefundReason)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return a.emit(ctx, tx, "payment", evt.PaymentIntentID, outbox.EventPaymentRefunded, map[string]any{
		"payment_intent_id":   evt.PaymentIntentID,
		"refund_amount_cents": evt.RefundAmountCents,
	})
}

// applyMembershipActivation handles the first (or a renewal) successful
// subscription charge. A membership only ever becomes active through a paid
// invoice, never through a bare subscription status change.
func (a *Applier) applyMembershipActivation(ctx context.Context, tx pgx.Tx, evt Event) error {
	m, found, err := a.store.GetMembershipBySubscriptionForUpdate(ctx, tx, evt.SubscriptionID)
	if err != nil {
		return err
	}

	if found {
		switch m.Status {
		case model.MembershipActive:
			_, err := a.store.RefreshMembershipBilling(ctx, tx, evt.SubscriptionID, evt.PeriodEnd)
			return err
		case model.MembershipCancelled:
			reinstated, err := a.store.ReinstateMembership(ctx, tx, evt.SubscriptionID, evt.OccurredAt, evt.PeriodEnd)
			if err != nil {
				if storage.IsUniqueViolation(err) {
					// Senior already holds a different active membership.
					return nil
				}
				return err
			}
			if !reinstated {
				// The charge predates the cancellation: stale delivery, keep
				// the cancelled state.
				return nil
			}
			if err := a.store.SetCurrentMembership(ctx, tx, m.SeniorID, evt.SubscriptionID); err != nil {
				return err
			}
			return a.emit(ctx, tx, "membership", evt.SubscriptionID, outbox.EventMembershipActivated, map[string]any{
				"senior_id":       m.SeniorID,
				"subscription_id": evt.SubscriptionID,
			})
		}
		return nil
	}

	if evt.SeniorID == "" || evt.PlanID == "" {
		a.logger.Warn("membership activation without senior or plan metadata",
			"subscription_id", evt.SubscriptionID)
		return nil
	}
	inserted, err := a.store.InsertActiveMembership(ctx, tx, model.Membership{
		SeniorID:             evt.SeniorID,
		PlanID:               evt.PlanID,
		StripeSubscriptionID: evt.SubscriptionID,
		NextBillingAt:        evt.PeriodEnd,
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			// Lost the race against a concurrent activation for this senior.
			return nil
		}
		return err
	}
	if !inserted {
		return nil
	}
	if err := a.store.SetCurrentMembership(ctx, tx, evt.SeniorID, evt.SubscriptionID); err != nil {
		return err
	}
	return a.emit(ctx, tx, "membership", evt.SubscriptionID, outbox.EventMembershipActivated, map[string]any{
		"senior_id":       evt.SeniorID,
		"plan_id":         evt.PlanID,
		"subscription_id": evt.SubscriptionID,
	})
}

func (a *Applier) applySubscriptionUpdated(ctx context.Context, tx pgx.Tx, evt Event) error {
	switch evt.SubscriptionStatus {
	case "active":
		return a.applyMembershipActivation(ctx, tx, evt)
	case "canceled", "unpaid", "incomplete_expired":
		return a.applySubscriptionDeleted(ctx, tx, evt)
	default:
		// past_due, incomplete, trialing: no local transition yet.
		_, err := a.store.RefreshMembershipBilling(ctx, tx, evt.SubscriptionID, evt.PeriodEnd)
		return err
	}
}

func (a *Applier) applySubscriptionDeleted(ctx context.Context, tx pgx.Tx, evt Event) error {
	m, found, err := a.store.GetMembershipBySubscriptionForUpdate(ctx, tx, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if !found {
		a.logger.Info("cancellation for unknown subscription", "subscription_id", evt.SubscriptionID)
		return nil
	}

	cancelled, err := a.store.CancelMembership(ctx, tx, evt.SubscriptionID, evt.OccurredAt, evt.PeriodEnd)
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}
	if err := a.store.ClearCurrentMembership(ctx, tx, evt.SubscriptionID); err != nil {
		return err
	}
	return a.emit(ctx, tx, "membership", evt.SubscriptionID, outbox.EventMembershipCancelled, map[string]any{
		"senior_id":       m.SeniorID,
		"subscription_id": evt.SubscriptionID,
	})
}

func (a *Applier) emit(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.sink.Insert(ctx, tx, outbox.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
	})
}
