package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
	"github.com/carebridge/carebridge/services/booking-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/invoice"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/subscription"
)

var (
	// ErrDuplicateMembership means the senior already holds an active
	// membership; handlers map it to 409.
	ErrDuplicateMembership = errors.New("senior already has an active membership")

	// ErrPaymentInitializationFailed means the processor accepted the
	// subscription but never produced a payable intent. Nothing was
	// persisted locally; the client may retry.
	ErrPaymentInitializationFailed = errors.New("payment initialization failed")

	// ErrAppointmentNotPayable means the appointment is in a state that
	// cannot accept a new payment (cancelled, completed, or already paid).
	ErrAppointmentNotPayable = errors.New("appointment cannot accept a payment")
)

// Gateway owns all calls out to the payment processor. Local rows are only
// written once the processor call succeeds, and the external intent id is
// recorded immediately so the reconciler can match the eventual webhook.
type Gateway struct {
	store  *storage.Store
	logger *slog.Logger
}

func New(store *storage.Store, stripeKey string, logger *slog.Logger) *Gateway {
	stripe.Key = stripeKey
	return &Gateway{store: store, logger: logger}
}

// Intent is what a client needs to complete payment on their device.
type Intent struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}

// Subscription is the client-facing result of starting a membership.
// Activation happens later, when the first invoice payment succeeds.
type Subscription struct {
	SubscriptionID  string `json:"subscription_id"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	ClientSecret    string `json:"client_secret"`
	Status          string `json:"status"`
}

// CreateAppointmentIntent creates a one-off payment intent for the
// appointment's frozen total and pre-creates the pending payment row.
func (g *Gateway) CreateAppointmentIntent(ctx context.Context, appointmentID string) (Intent, error) {
	appt, err := g.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			return Intent{}, fmt.Errorf("%w: appointment %s not found", ErrAppointmentNotPayable, appointmentID)
		}
		return Intent{}, err
	}
	if appt.Status.Terminal() {
		return Intent{}, ErrAppointmentNotPayable
	}
	if _, paid, err := g.store.GetCompletedPayment(ctx, appointmentID); err != nil {
		return Intent{}, err
	} else if paid {
		return Intent{}, ErrAppointmentNotPayable
	}

	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(appt.TotalPriceCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("appointment_id", appointmentID)
	params.AddMetadata("senior_id", appt.SeniorID)

	intent, err := paymentintent.New(params)
	if err != nil {
		g.logger.Error("payment intent creation failed", "err", err, "appointment_id", appointmentID)
		return Intent{}, fmt.Errorf("%w: %v", ErrPaymentInitializationFailed, err)
	}

	tx, err := g.store.Begin(ctx)
	if err != nil {
		return Intent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	attached, err := g.store.AttachIntentToPendingPayment(ctx, tx, appointmentID, intent.ID)
	if err != nil {
		return Intent{}, err
	}
	if !attached {
		// No unbound pending row (e.g. a retry after a failed attempt):
		// record a fresh one under this intent id.
		if err := g.store.InsertPendingPayment(ctx, tx, appointmentID, intent.ID, appt.TotalPriceCents, string(stripe.CurrencyUSD)); err != nil {
			return Intent{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Intent{}, err
	}

	return Intent{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		AmountCents:     appt.TotalPriceCents,
		Currency:        string(stripe.CurrencyUSD),
	}, nil
}

// CreateMembershipSubscription starts a subscription for the senior on the
// given plan. No membership row is created here: the subscription stays
// incomplete until the first invoice is paid and the success event arrives.
func (g *Gateway) CreateMembershipSubscription(ctx context.Context, seniorID string, plan model.Plan) (Subscription, error) {
	if _, active, err := g.store.GetActiveMembership(ctx, seniorID); err != nil {
		return Subscription{}, err
	} else if active {
		return Subscription{}, ErrDuplicateMembership
	}

	customerID, err := g.ensureCustomer(ctx, seniorID)
	if err != nil {
		return Subscription{}, err
	}

	params := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(plan.StripePriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	params.AddMetadata("senior_id", seniorID)
	params.AddMetadata("plan_id", plan.ID)
	params.AddExpand("latest_invoice.payment_intent")

	sub, err := subscription.New(params)
	if err != nil {
		g.logger.Error("subscription creation failed", "err", err, "senior_id", seniorID, "plan_id", plan.ID)
		return Subscription{}, fmt.Errorf("%w: %v", ErrPaymentInitializationFailed, err)
	}

	secret, intentID, err := g.clientSecretForSubscription(ctx, sub)
	if err != nil {
		return Subscription{}, err
	}

	return Subscription{
		SubscriptionID:  sub.ID,
		PaymentIntentID: intentID,
		ClientSecret:    secret,
		Status:          string(sub.Status),
	}, nil
}

func (g *Gateway) ensureCustomer(ctx context.Context, seniorID string) (string, error) {
	customerID, err := g.store.GetStripeCustomerID(ctx, seniorID)
	if err != nil {
		return "", err
	}
	if customerID != "" {
		return customerID, nil
	}

	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	}
	params.AddMetadata("senior_id", seniorID)
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentInitializationFailed, err)
	}
	if err := g.store.SetStripeCustomerID(ctx, seniorID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

// clientSecretForSubscription digs the payable intent out of the new
// subscription. Stripe sometimes leaves the first invoice in draft, so we
// fall back to finalizing it before giving up.
func (g *Gateway) clientSecretForSubscription(ctx context.Context, sub *stripe.Subscription) (string, string, error) {
	inv := sub.LatestInvoice
	if inv != nil && inv.PaymentIntent != nil && inv.PaymentIntent.ClientSecret != "" {
		return inv.PaymentIntent.ClientSecret, inv.PaymentIntent.ID, nil
	}

	if inv != nil && inv.Status == stripe.InvoiceStatusDraft {
		finalized, err := invoice.FinalizeInvoice(inv.ID, &stripe.InvoiceFinalizeInvoiceParams{
			Params: stripe.Params{Context: ctx},
		})
		if err != nil {
			g.logger.Warn("invoice finalization failed", "err", err, "invoice_id", inv.ID, "subscription_id", sub.ID)
		} else if finalized.PaymentIntent != nil && finalized.PaymentIntent.ClientSecret != "" {
			return finalized.PaymentIntent.ClientSecret, finalized.PaymentIntent.ID, nil
		}
		inv = finalized
	}

	if inv != nil && inv.PaymentIntent != nil && inv.PaymentIntent.ID != "" {
		intent, err := paymentintent.Get(inv.PaymentIntent.ID, &stripe.PaymentIntentParams{
			Params: stripe.Params{Context: ctx},
		})
		if err == nil && intent.ClientSecret != "" {
			return intent.ClientSecret, intent.ID, nil
		}
	}

	g.logger.Error("subscription produced no payable intent", "subscription_id", sub.ID)
	return "", "", ErrPaymentInitializationFailed
}
