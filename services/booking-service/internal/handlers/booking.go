package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/booking"
	"github.com/carebridge/carebridge/services/booking-service/internal/model"
)

type bookingRequest struct {
	SeniorID            string   `json:"senior_id" validate:"required,uuid4"`
	SpecialistID        string   `json:"specialist_id" validate:"required,uuid4"`
	ScheduledAt         string   `json:"scheduled_at" validate:"required"`
	DurationMinutes     int      `json:"duration_minutes" validate:"required,gt=0"`
	LocationMode        string   `json:"location_mode" validate:"required,oneof=remote in_person"`
	AddressLine         string   `json:"address_line,omitempty"`
	AddressCity         string   `json:"address_city,omitempty"`
	AddressState        string   `json:"address_state,omitempty"`
	AddressZip          string   `json:"address_zip,omitempty"`
	IssueDescription    string   `json:"issue_description,omitempty" validate:"max=2000"`
	TravelDistanceMiles *float64 `json:"travel_distance_miles,omitempty"`
}

func (req bookingRequest) toCreateRequest() (booking.CreateRequest, error) {
	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		return booking.CreateRequest{}, &booking.ValidationError{
			Field: "scheduled_at", Message: "must be RFC 3339",
		}
	}
	return booking.CreateRequest{
		SeniorID:            req.SeniorID,
		SpecialistID:        req.SpecialistID,
		ScheduledAt:         scheduledAt,
		DurationMinutes:     req.DurationMinutes,
		LocationMode:        model.LocationMode(req.LocationMode),
		AddressLine:         req.AddressLine,
		AddressCity:         req.AddressCity,
		AddressState:        req.AddressState,
		AddressZip:          req.AddressZip,
		IssueDescription:    req.IssueDescription,
		TravelDistanceMiles: req.TravelDistanceMiles,
	}, nil
}

// Slots lists candidate start times for a specialist on one day.
// GET /api/v1/bookings/slots?specialist_id=&date=2026-03-02&duration_minutes=60
func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	specialistID := strings.TrimSpace(r.URL.Query().Get("specialist_id"))
	if specialistID == "" {
		writeError(w, http.StatusBadRequest, "specialist_id is required")
		return
	}
	day, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	durationMinutes, err := strconv.Atoi(r.URL.Query().Get("duration_minutes"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "duration_minutes must be an integer")
		return
	}

	slots, err := h.orchestrator.Slots(r.Context(), specialistID, day, durationMinutes)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	type slotResponse struct {
		Start     string `json:"start"`
		Available bool   `json:"available"`
	}
	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotResponse{Start: s.Start.Format(time.RFC3339), Available: s.Available})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"specialist_id":    specialistID,
		"date":             day.Format("2006-01-02"),
		"duration_minutes": durationMinutes,
		"slots":            out,
	})
}

// QuoteBooking prices a prospective booking without creating it.
func (h *Handler) QuoteBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req bookingRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	createReq, err := req.toCreateRequest()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	quote, err := h.orchestrator.Quote(r.Context(), createReq)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"base_price_cents":      quote.BasePriceCents,
		"travel_fee_cents":      quote.TravelFeeCents,
		"member_discount_cents": quote.MemberDiscountCents,
		"total_cents":           quote.TotalCents,
	})
}

// CreateBooking books an appointment. Supply an Idempotency-Key header to
// make retries safe; a replayed key returns the original appointment with
// 200 instead of 201.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req bookingRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}
	createReq, err := req.toCreateRequest()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	createReq.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	appt, replayed, err := h.orchestrator.CreateAppointment(r.Context(), createReq)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	code := http.StatusCreated
	if replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, appointmentResponse(appt))
}

type appointmentActionRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid4"`
}

// StartBooking is the specialist's action at the start of the visit. It
// fails when no completed payment exists for the appointment.
func (h *Handler) StartBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req appointmentActionRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	appt, err := h.orchestrator.Start(r.Context(), req.AppointmentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentResponse(appt))
}

// CompleteBooking marks the visit finished.
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req appointmentActionRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	appt, err := h.orchestrator.Complete(r.Context(), req.AppointmentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentResponse(appt))
}

type cancelRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid4"`
	Reason        string `json:"reason,omitempty" validate:"max=500"`
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req cancelRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.writeDomainError(w, err)
		return
	}

	appt, err := h.orchestrator.Cancel(r.Context(), req.AppointmentID, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentResponse(appt))
}

func appointmentResponse(appt model.Appointment) map[string]any {
	resp := map[string]any{
		"appointment_id":        appt.ID,
		"senior_id":             appt.SeniorID,
		"specialist_id":         appt.SpecialistID,
		"scheduled_at":          appt.ScheduledAt.Format(time.RFC3339),
		"duration_minutes":      appt.DurationMinutes,
		"status":                string(appt.Status),
		"location_mode":         string(appt.LocationMode),
		"base_price_cents":      appt.BasePriceCents,
		"travel_fee_cents":      appt.TravelFeeCents,
		"member_discount_cents": appt.MemberDiscountCents,
		"total_price_cents":     appt.TotalPriceCents,
	}
	if appt.CancelledAt != nil {
		resp["cancelled_at"] = appt.CancelledAt.Format(time.RFC3339)
		resp["cancellation_reason"] = appt.CancelReason
	}
	return resp
}
