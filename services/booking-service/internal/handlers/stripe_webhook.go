package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/reconcile"
	"github.com/carebridge/carebridge/services/booking-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeWebhook handles Stripe webhooks (no session auth; the signature
// verification is the auth). Gateway should expose this path publicly.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.stripeWebhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "stripe webhook not configured")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeError(w, http.StatusBadRequest, "missing Stripe-Signature header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.stripeWebhookSecret, h.stripeWebhookTolerance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	occurredAt := time.Unix(evt.Created, 0).UTC()
	evtType := string(evt.Type)
	h.logger.Info("provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", occurredAt.Format(time.RFC3339),
	)

	tx, err := h.store.Begin(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	// Idempotency: ignore replayed Stripe events.
	if err := h.store.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("provider event duplicate ignored",
				"provider", "stripe", "provider_event_id", evt.ID, "event_type", evtType)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			_ = tx.Commit(r.Context())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record provider event")
		return
	}

	normalized, ok, err := h.toEvent(evt, occurredAt)
	if err != nil {
		// Unparseable payload for a known type: acknowledge so Stripe stops
		// retrying, the periodic reconciler will pick up the state.
		h.logger.Error("failed to normalize provider event",
			"err", err, "provider_event_id", evt.ID, "event_type", evtType)
		if err := tx.Commit(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to commit")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	if err := h.recordAudit(r.Context(), tx, r, "booking.provider.stripe.webhook", "provider", normalized.AppointmentID, map[string]any{
		"provider":          "stripe",
		"provider_event_id": evt.ID,
		"event_type":        evtType,
		"occurred_at":       occurredAt.Format(time.RFC3339),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record audit event")
		return
	}

	if ok {
		if err := h.applier.Apply(r.Context(), tx, normalized); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to apply event")
			return
		}
	}

	if err := tx.Commit(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// toEvent reduces a Stripe event to the normalized form the applier
// consumes. ok=false means the event type carries nothing we track.
func (h *Handler) toEvent(evt stripe.Event, occurredAt time.Time) (reconcile.Event, bool, error) {
	switch string(evt.Type) {
	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			return reconcile.Event{}, false, err
		}
		return reconcile.Event{
			Type:            reconcile.EventPaymentSucceeded,
			PaymentIntentID: intent.ID,
			AppointmentID:   intent.Metadata["appointment_id"],
			SeniorID:        intent.Metadata["senior_id"],
			AmountCents:     intent.Amount,
			Currency:        string(intent.Currency),
			OccurredAt:      occurredAt,
		}, true, nil

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			return reconcile.Event{}, false, err
		}
		reason := ""
		if intent.LastPaymentError != nil {
			reason = intent.LastPaymentError.Msg
		}
		return reconcile.Event{
			Type:            reconcile.EventPaymentFailed,
			PaymentIntentID: intent.ID,
			AppointmentID:   intent.Metadata["appointment_id"],
			FailureReason:   reason,
			OccurredAt:      occurredAt,
		}, true, nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
			return reconcile.Event{}, false, err
		}
		intentID := ""
		if charge.PaymentIntent != nil {
			intentID = charge.PaymentIntent.ID
		}
		refundReason := ""
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 {
			refundReason = string(charge.Refunds.Data[0].Reason)
		}
		return reconcile.Event{
			Type:              reconcile.EventChargeRefunded,
			PaymentIntentID:   intentID,
			RefundAmountCents: charge.AmountRefunded,
			RefundReason:      refundReason,
			OccurredAt:        occurredAt,
		}, true, nil

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return reconcile.Event{}, false, err
		}
		normalized := reconcile.Event{
			Type:               reconcile.EventSubscriptionUpdated,
			SubscriptionID:     sub.ID,
			SeniorID:           sub.Metadata["senior_id"],
			PlanID:             sub.Metadata["plan_id"],
			SubscriptionStatus: string(sub.Status),
			OccurredAt:         occurredAt,
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			normalized.PeriodEnd = &end
		}
		if string(evt.Type) == "customer.subscription.deleted" {
			normalized.Type = reconcile.EventSubscriptionDeleted
			if sub.CanceledAt > 0 {
				normalized.OccurredAt = time.Unix(sub.CanceledAt, 0).UTC()
			}
		}
		return normalized, true, nil

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return reconcile.Event{}, false, err
		}
		normalized := reconcile.Event{
			Type:           reconcile.EventInvoicePaymentSucceeded,
			SubscriptionID: invoiceSubscriptionID(&inv),
			OccurredAt:     occurredAt,
		}
		if string(evt.Type) == "invoice.payment_failed" {
			normalized.Type = reconcile.EventInvoicePaymentFailed
		}
		if inv.SubscriptionDetails != nil {
			normalized.SeniorID = inv.SubscriptionDetails.Metadata["senior_id"]
			normalized.PlanID = inv.SubscriptionDetails.Metadata["plan_id"]
		}
		if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period != nil && inv.Lines.Data[0].Period.End > 0 {
			end := time.Unix(inv.Lines.Data[0].Period.End, 0).UTC()
			normalized.PeriodEnd = &end
		}
		return normalized, true, nil

	default:
		return reconcile.Event{}, false, nil
	}
}

func invoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv.Subscription != nil {
		return inv.Subscription.ID
	}
	return ""
}
