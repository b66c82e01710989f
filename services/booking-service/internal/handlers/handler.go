package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/booking"
	"github.com/carebridge/carebridge/services/booking-service/internal/payments"
	"github.com/carebridge/carebridge/services/booking-service/internal/poll"
	"github.com/carebridge/carebridge/services/booking-service/internal/reconcile"
	"github.com/carebridge/carebridge/services/booking-service/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
)

type Handler struct {
	store                  *storage.Store
	orchestrator           *booking.Orchestrator
	gateway                *payments.Gateway
	applier                *reconcile.Applier
	syncer                 *reconcile.Syncer
	waiter                 poll.Waiter
	validate               *validator.Validate
	logger                 *slog.Logger
	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
}

type Config struct {
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
	AwaitIntervalSeconds          int
	AwaitAttempts                 int
}

func New(store *storage.Store, orchestrator *booking.Orchestrator, gateway *payments.Gateway, applier *reconcile.Applier, syncer *reconcile.Syncer, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	waiter := poll.Waiter{
		Interval: time.Duration(cfg.AwaitIntervalSeconds) * time.Second,
		Attempts: cfg.AwaitAttempts,
	}
	return &Handler{
		store:                  store,
		orchestrator:           orchestrator,
		gateway:                gateway,
		applier:                applier,
		syncer:                 syncer,
		waiter:                 waiter,
		validate:               validator.New(validator.WithRequiredStructEnabled()),
		logger:                 logger,
		stripeWebhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		stripeWebhookTolerance: time.Duration(tolSeconds) * time.Second,
	}
}

// Register wires every route onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/bookings/slots", h.Slots)
	mux.HandleFunc("/api/v1/bookings/quote", h.QuoteBooking)
	mux.HandleFunc("/api/v1/bookings", h.CreateBooking)
	mux.HandleFunc("/api/v1/bookings/start", h.StartBooking)
	mux.HandleFunc("/api/v1/bookings/complete", h.CompleteBooking)
	mux.HandleFunc("/api/v1/bookings/cancel", h.CancelBooking)
	mux.HandleFunc("/api/v1/payments/intent", h.CreatePaymentIntent)
	mux.HandleFunc("/api/v1/payments/status", h.PaymentStatus)
	mux.HandleFunc("/api/v1/payments/await", h.AwaitPayment)
	mux.HandleFunc("/api/v1/payments/sync", h.SyncPayments)
	mux.HandleFunc("/api/v1/memberships/subscribe", h.Subscribe)
	mux.HandleFunc("/api/v1/webhooks/stripe", h.StripeWebhook)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var vErr *booking.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": vErr.Message,
			"field": vErr.Field,
		})
	case errors.Is(err, booking.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot no longer available")
	case errors.Is(err, payments.ErrDuplicateMembership):
		writeError(w, http.StatusConflict, "senior already has an active membership")
	case errors.Is(err, payments.ErrAppointmentNotPayable):
		writeError(w, http.StatusConflict, "appointment cannot accept a payment")
	case errors.Is(err, payments.ErrPaymentInitializationFailed):
		writeError(w, http.StatusBadGateway, "payment initialization failed")
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found")
	default:
		h.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) decodeAndValidate(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &booking.ValidationError{Field: "body", Message: "invalid json body"}
	}
	if err := h.validate.Struct(v); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			return &booking.ValidationError{
				Field:   strings.ToLower(invalid[0].Field()),
				Message: "failed validation on tag " + invalid[0].Tag(),
			}
		}
		return &booking.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func (h *Handler) recordAudit(ctx context.Context, tx pgx.Tx, r *http.Request, eventType, actorType, appointmentID string, metadata map[string]any) error {
	if actorType == "" {
		actorType = "system"
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if reqID := strings.TrimSpace(r.Header.Get("X-Request-Id")); reqID != "" {
		metadata["request_id"] = reqID
	}
	raw, _ := json.Marshal(metadata)
	return h.store.InsertAuditEvent(ctx, tx, storage.AuditEvent{
		EventType:     eventType,
		ActorType:     actorType,
		ActorID:       strings.TrimSpace(r.Header.Get("X-User-Id")),
		AppointmentID: appointmentID,
		Metadata:      raw,
	})
}
