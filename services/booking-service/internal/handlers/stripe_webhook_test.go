package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

func newWebhookHandler() *Handler {
	return &Handler{
		logger:                 slog.Default(),
		stripeWebhookSecret:    "whsec_test_secret",
		stripeWebhookTolerance: 5 * time.Minute,
	}
}

func TestStripeWebhookRejectsWrongMethod(t *testing.T) {
	h := newWebhookHandler()
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStripeWebhookRequiresConfiguredSecret(t *testing.T) {
	h := newWebhookHandler()
	h.stripeWebhookSecret = ""
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStripeWebhookRejectsMissingSignature(t *testing.T) {
	h := newWebhookHandler()
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	h := newWebhookHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid signature")
}

func stripeEvent(t *testing.T, evtType string, object map[string]any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripe.Event{
		ID:      "evt_test_1",
		Type:    stripe.EventType(evtType),
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestToEventPaymentIntentSucceeded(t *testing.T) {
	h := newWebhookHandler()
	occurredAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	evt, ok, err := h.toEvent(stripeEvent(t, "payment_intent.succeeded", map[string]any{
		"id":       "pi_123",
		"object":   "payment_intent",
		"amount":   7900,
		"currency": "usd",
		"metadata": map[string]any{"appointment_id": "appt-1", "senior_id": "senior-1"},
	}), occurredAt)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, reconcile.EventPaymentSucceeded, evt.Type)
	assert.Equal(t, "pi_123", evt.PaymentIntentID)
	assert.Equal(t, "appt-1", evt.AppointmentID)
	assert.EqualValues(t, 7900, evt.AmountCents)
	assert.Equal(t, "usd", evt.Currency)
	assert.Equal(t, occurredAt, evt.OccurredAt)
}

func TestToEventPaymentIntentFailedCarriesReason(t *testing.T) {
	h := newWebhookHandler()
	evt, ok, err := h.toEvent(stripeEvent(t, "payment_intent.payment_failed", map[string]any{
		"id":                 "pi_456",
		"object":             "payment_intent",
		"metadata":           map[string]any{"appointment_id": "appt-2"},
		"last_payment_error": map[string]any{"message": "card declined"},
	}), time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, reconcile.EventPaymentFailed, evt.Type)
	assert.Equal(t, "card declined", evt.FailureReason)
}

func TestToEventChargeRefunded(t *testing.T) {
	h := newWebhookHandler()
	evt, ok, err := h.toEvent(stripeEvent(t, "charge.refunded", map[string]any{
		"id":              "ch_1",
		"object":          "charge",
		"amount_refunded": 5000,
		"payment_intent":  map[string]any{"id": "pi_789"},
		"refunds": map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "re_1", "object": "refund", "reason": "requested_by_customer"},
			},
		},
	}), time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, reconcile.EventChargeRefunded, evt.Type)
	assert.Equal(t, "pi_789", evt.PaymentIntentID)
	assert.EqualValues(t, 5000, evt.RefundAmountCents)
	assert.Equal(t, "requested_by_customer", evt.RefundReason)
}

func TestToEventSubscriptionDeletedUsesCanceledAt(t *testing.T) {
	h := newWebhookHandler()
	canceledAt := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	evt, ok, err := h.toEvent(stripeEvent(t, "customer.subscription.deleted", map[string]any{
		"id":          "sub_1",
		"object":      "subscription",
		"status":      "canceled",
		"canceled_at": canceledAt.Unix(),
		"metadata":    map[string]any{"senior_id": "senior-1", "plan_id": "plan-1"},
	}), time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, reconcile.EventSubscriptionDeleted, evt.Type)
	assert.Equal(t, "sub_1", evt.SubscriptionID)
	assert.Equal(t, canceledAt, evt.OccurredAt)
}

func TestToEventInvoicePaymentSucceeded(t *testing.T) {
	h := newWebhookHandler()
	evt, ok, err := h.toEvent(stripeEvent(t, "invoice.payment_succeeded", map[string]any{
		"id":           "in_1",
		"object":       "invoice",
		"subscription": map[string]any{"id": "sub_2"},
		"subscription_details": map[string]any{
			"metadata": map[string]any{"senior_id": "senior-2", "plan_id": "plan-2"},
		},
	}), time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, reconcile.EventInvoicePaymentSucceeded, evt.Type)
	assert.Equal(t, "sub_2", evt.SubscriptionID)
	assert.Equal(t, "senior-2", evt.SeniorID)
	assert.Equal(t, "plan-2", evt.PlanID)
}

func TestToEventIgnoresUnknownTypes(t *testing.T) {
	h := newWebhookHandler()
	_, ok, err := h.toEvent(stripeEvent(t, "customer.created", map[string]any{
		"id": "cus_1", "object": "customer",
	}), time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}
