package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
	"github.com/carebridge/carebridge/services/booking-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/subscription"
)

// Processor is the read side of the payment provider, used when webhook
// delivery cannot be relied on and we query current state directly.
type Processor interface {
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

type stripeProcessor struct{}

func NewStripeProcessor() Processor { return stripeProcessor{} }

func (stripeProcessor) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return paymentintent.Get(id, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
}

func (stripeProcessor) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return subscription.Get(id, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
}

// Syncer re-queries the processor for current truth and pushes the result
// through the same applier the webhook path uses, so a missed webhook can
// never leave state permanently stale.
type Syncer struct {
	store     *storage.Store
	applier   *Applier
	processor Processor
	logger    *slog.Logger
}

func NewSyncer(store *storage.Store, applier *Applier, processor Processor, logger *slog.Logger) *Syncer {
	return &Syncer{store: store, applier: applier, processor: processor, logger: logger}
}

// SyncAppointmentPayments re-checks every unsettled payment attempt for the
// appointment against the processor. Returns the number of payments whose
// state was re-examined.
func (s *Syncer) SyncAppointmentPayments(ctx context.Context, appointmentID string) (int, error) {
	payments, err := s.store.ListPaymentsForAppointment(ctx, appointmentID)
	if err != nil {
		return 0, err
	}

	checked := 0
	for _, p := range payments {
		if p.Status != model.PaymentPending && p.Status != model.PaymentFailed {
			continue
		}
		if p.StripePaymentIntentID == "" {
			continue
		}
		intent, err := s.processor.GetPaymentIntent(ctx, p.StripePaymentIntentID)
		if err != nil {
			return checked, fmt.Errorf("fetch payment intent %s: %w", p.StripePaymentIntentID, err)
		}
		evt, ok := eventFromIntent(intent, appointmentID)
		if !ok {
			checked++
			continue
		}
		if err := s.applyOne(ctx, evt); err != nil {
			return checked, err
		}
		checked++
	}
	return checked, nil
}

// SyncSubscription re-checks one subscription against the processor.
func (s *Syncer) SyncSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := s.processor.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}
	return s.applyOne(ctx, eventFromSubscription(sub))
}

// SyncSeniorMembership re-checks the senior's active membership, if any.
func (s *Syncer) SyncSeniorMembership(ctx context.Context, seniorID string) error {
	m, found, err := s.store.GetActiveMembership(ctx, seniorID)
	if err != nil {
		return err
	}
	if !found || m.StripeSubscriptionID == "" {
		return nil
	}
	return s.SyncSubscription(ctx, m.StripeSubscriptionID)
}

func (s *Syncer) applyOne(ctx context.Context, evt Event) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.applier.Apply(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// eventFromIntent maps a queried intent to the same normalized event a
// webhook delivery would have produced. Intents still in flight produce no
// event.
func eventFromIntent(intent *stripe.PaymentIntent, appointmentID string) (Event, bool) {
	if id := intent.Metadata["appointment_id"]; id != "" {
		appointmentID = id
	}
	evt := Event{
		PaymentIntentID: intent.ID,
		AppointmentID:   appointmentID,
		AmountCents:     intent.Amount,
		Currency:        string(intent.Currency),
		OccurredAt:      time.Unix(intent.Created, 0).UTC(),
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		evt.Type = EventPaymentSucceeded
		return evt, true
	case stripe.PaymentIntentStatusCanceled:
		evt.Type = EventPaymentFailed
		evt.FailureReason = string(intent.CancellationReason)
		return evt, true
	default:
		if intent.LastPaymentError != nil {
			evt.Type = EventPaymentFailed
			evt.FailureReason = intent.LastPaymentError.Msg
			return evt, true
		}
		return Event{}, false
	}
}

func eventFromSubscription(sub *stripe.Subscription) Event {
	evt := Event{
		Type:               EventSubscriptionUpdated,
		SubscriptionID:     sub.ID,
		SeniorID:           sub.Metadata["senior_id"],
		PlanID:             sub.Metadata["plan_id"],
		SubscriptionStatus: string(sub.Status),
		OccurredAt:         time.Now().UTC(),
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		evt.PeriodEnd = &end
	}
	if sub.Status == stripe.SubscriptionStatusCanceled {
		evt.Type = EventSubscriptionDeleted
		if sub.CanceledAt > 0 {
			evt.OccurredAt = time.Unix(sub.CanceledAt, 0).UTC()
		}
	}
	return evt
}
