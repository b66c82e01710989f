package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
)

type paymentIntentRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid4"`
}

// CreatePaymentIntent starts a one-off payment for an appointment.
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req paymentIntentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	intent, err := h.gateway.CreateAppointmentIntent(r.Context(), req.AppointmentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

type subscribeRequest struct {
	SeniorID string `json:"senior_id" validate:"required,uuid4"`
	PlanID   string `json:"plan_id" validate:"required,uuid4"`
}

// Subscribe starts a membership subscription. The membership only becomes
// active once the first invoice payment succeeds; until then the client
// holds a client secret to complete payment with.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req subscribeRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	plan, err := h.store.GetPlan(r.Context(), req.PlanID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	sub, err := h.gateway.CreateMembershipSubscription(r.Context(), req.SeniorID, plan)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// PaymentStatus reports the current payment state for an appointment.
// GET /api/v1/payments/status?appointment_id=
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	appointmentID := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if appointmentID == "" {
		writeError(w, http.StatusBadRequest, "appointment_id is required")
		return
	}

	status, err := h.paymentStatus(r.Context(), appointmentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type awaitRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid4"`
}

// AwaitPayment blocks briefly until the appointment's payment settles, then
// falls back to a direct processor sync. This is the client's recourse when
// the webhook is slow or lost.
func (h *Handler) AwaitPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req awaitRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	appointmentID := req.AppointmentID

	result, settled, err := h.waiter.Wait(r.Context(), func(ctx context.Context) (any, bool, error) {
		status, err := h.paymentStatus(ctx, appointmentID)
		if err != nil {
			return nil, false, err
		}
		return status, status.Settled, nil
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if !settled {
		// Webhook never arrived within the window: query the processor
		// directly and re-check once.
		if _, err := h.syncer.SyncAppointmentPayments(r.Context(), appointmentID); err != nil {
			h.logger.Warn("payment sync fallback failed", "err", err, "appointment_id", appointmentID)
		}
		status, err := h.paymentStatus(r.Context(), appointmentID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type syncRequest struct {
	AppointmentID string `json:"appointment_id,omitempty" validate:"omitempty,uuid4"`
	SeniorID      string `json:"senior_id,omitempty" validate:"omitempty,uuid4"`
}

// SyncPayments re-queries the processor for current truth: either every
// unsettled payment on an appointment, or a senior's membership.
func (h *Handler) SyncPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req syncRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if req.AppointmentID == "" && req.SeniorID == "" {
		writeError(w, http.StatusBadRequest, "appointment_id or senior_id is required")
		return
	}

	out := map[string]any{"status": "ok"}
	if req.AppointmentID != "" {
		checked, err := h.syncer.SyncAppointmentPayments(r.Context(), req.AppointmentID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		out["payments_checked"] = checked
	}
	if req.SeniorID != "" {
		if err := h.syncer.SyncSeniorMembership(r.Context(), req.SeniorID); err != nil {
			h.writeDomainError(w, err)
			return
		}
		out["membership_synced"] = true
	}
	writeJSON(w, http.StatusOK, out)
}

type paymentStatusResponse struct {
	AppointmentID     string         `json:"appointment_id"`
	AppointmentStatus string         `json:"appointment_status"`
	Payments          []paymentEntry `json:"payments"`
	Settled           bool           `json:"settled"`
}

type paymentEntry struct {
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Status          string `json:"status"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

func (h *Handler) paymentStatus(ctx context.Context, appointmentID string) (paymentStatusResponse, error) {
	appt, err := h.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return paymentStatusResponse{}, err
	}
	payments, err := h.store.ListPaymentsForAppointment(ctx, appointmentID)
	if err != nil {
		return paymentStatusResponse{}, err
	}

	resp := paymentStatusResponse{
		AppointmentID:     appointmentID,
		AppointmentStatus: string(appt.Status),
	}
	for _, p := range payments {
		resp.Payments = append(resp.Payments, paymentEntry{
			PaymentIntentID: p.StripePaymentIntentID,
			Status:          string(p.Status),
			AmountCents:     p.AmountCents,
			Currency:        p.Currency,
			FailureReason:   p.FailureReason,
		})
		if p.Status == model.PaymentCompleted || p.Status == model.PaymentRefunded {
			resp.Settled = true
		}
	}
	return resp, nil
}
