package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/availability"
	"github.com/carebridge/carebridge/services/booking-service/internal/model"
	"github.com/carebridge/carebridge/services/booking-service/internal/outbox"
	"github.com/carebridge/carebridge/services/booking-service/internal/pricing"
	"github.com/carebridge/carebridge/services/booking-service/internal/storage"
)

// ErrSlotConflict means another booking won the slot between quote and
// write. Handlers map it to 409.
var ErrSlotConflict = errors.New("slot no longer available")

// ValidationError is a client error on the booking request itself.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// CreateRequest is a validated booking attempt. Pricing inputs are resolved
// server-side; the client only names the slot and location.
type CreateRequest struct {
	SeniorID         string
	SpecialistID     string
	ScheduledAt      time.Time
	DurationMinutes  int
	LocationMode     model.LocationMode
	AddressLine      string
	AddressCity      string
	AddressState     string
	AddressZip       string
	IssueDescription string

	// TravelDistanceMiles is the computed distance to the visit address.
	// nil means no distance was computed, which is only acceptable for
	// remote visits; 0 is a real distance.
	TravelDistanceMiles *float64

	// IdempotencyKey, when set, makes retries of the same request return
	// the originally created appointment instead of a second booking.
	IdempotencyKey string
}

// Orchestrator runs the end-to-end booking flow: validate, quote, then a
// single transaction that re-validates the slot at write time.
type Orchestrator struct {
	store  *storage.Store
	sink   *outbox.Repository
	logger *slog.Logger
}

func NewOrchestrator(store *storage.Store, sink *outbox.Repository, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, sink: sink, logger: logger}
}

// Quote resolves rates and produces the price breakdown for a prospective
// booking without creating anything.
func (o *Orchestrator) Quote(ctx context.Context, req CreateRequest) (pricing.Quote, error) {
	if err := validate(req); err != nil {
		return pricing.Quote{}, err
	}
	in, _, err := o.pricingInput(ctx, req)
	if err != nil {
		return pricing.Quote{}, err
	}
	return pricing.Compute(in), nil
}

// CreateAppointment books the slot. The appointments table's overlap
// exclusion constraint is the authoritative conflict check: a concurrent
// booking of an intersecting interval loses with ErrSlotConflict no matter
// what the earlier read said.
func (o *Orchestrator) CreateAppointment(ctx context.Context, req CreateRequest) (model.Appointment, bool, error) {
	if err := validate(req); err != nil {
		return model.Appointment{}, false, err
	}

	in, specialist, err := o.pricingInput(ctx, req)
	if err != nil {
		return model.Appointment{}, false, err
	}
	quote := pricing.Compute(in)

	appt := model.Appointment{
		SeniorID:            req.SeniorID,
		SpecialistID:        req.SpecialistID,
		ScheduledAt:         req.ScheduledAt.UTC(),
		DurationMinutes:     req.DurationMinutes,
		Status:              model.AppointmentPending,
		LocationMode:        req.LocationMode,
		AddressLine:         req.AddressLine,
		AddressCity:         req.AddressCity,
		AddressState:        req.AddressState,
		AddressZip:          req.AddressZip,
		IssueDescription:    req.IssueDescription,
		BasePriceCents:      quote.BasePriceCents,
		TravelFeeCents:      quote.TravelFeeCents,
		MemberDiscountCents: quote.MemberDiscountCents,
		TotalPriceCents:     quote.TotalCents,
		PayoutRateCents:     specialist.PayoutRateCents,
	}
	if req.LocationMode == model.LocationInPerson {
		appt.TravelReimbursementCents = specialist.TravelReimbursementCents
	}

	tx, err := o.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.IdempotencyKey != "" {
		rec, existed, err := o.store.LockIdempotencyKey(ctx, tx, req.SeniorID, req.IdempotencyKey)
		if err != nil {
			return model.Appointment{}, false, err
		}
		if existed && rec.AppointmentID != "" {
			if err := tx.Commit(ctx); err != nil {
				return model.Appointment{}, false, err
			}
			existing, err := o.store.GetAppointment(ctx, rec.AppointmentID)
			if err != nil {
				return model.Appointment{}, false, err
			}
			return existing, true, nil
		}
	}

	id, err := o.store.CreateAppointment(ctx, tx, &appt)
	if err != nil {
		if storage.IsConflict(err) {
			return model.Appointment{}, false, ErrSlotConflict
		}
		return model.Appointment{}, false, err
	}
	appt.ID = id

	// The pending payment row rides in the booking transaction; the intent
	// gateway binds a processor intent to it later.
	if err := o.store.InsertInitialPayment(ctx, tx, id, appt.TotalPriceCents, "usd"); err != nil {
		return model.Appointment{}, false, err
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id":    id,
		"senior_id":         appt.SeniorID,
		"specialist_id":     appt.SpecialistID,
		"scheduled_at":      appt.ScheduledAt,
		"duration_minutes":  appt.DurationMinutes,
		"total_price_cents": appt.TotalPriceCents,
	})
	if err != nil {
		return model.Appointment{}, false, err
	}
	if err := o.sink.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   id,
		EventType:     outbox.EventAppointmentCreated,
		Payload:       payload,
	}); err != nil {
		return model.Appointment{}, false, err
	}

	if req.IdempotencyKey != "" {
		if err := o.store.FinalizeIdempotency(ctx, tx, req.SeniorID, req.IdempotencyKey, id, 201, nil); err != nil {
			return model.Appointment{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, false, err
	}

	o.logger.Info("appointment created",
		"appointment_id", id,
		"specialist_id", appt.SpecialistID,
		"scheduled_at", appt.ScheduledAt,
		"total_price_cents", appt.TotalPriceCents)
	return appt, false, nil
}

// Start transitions a confirmed appointment to in_progress when the
// specialist begins the visit. The storage guard requires a completed
// payment, so an unpaid appointment can never start.
func (o *Orchestrator) Start(ctx context.Context, appointmentID string) (model.Appointment, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := o.store.GetAppointmentForUpdate(ctx, tx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status != model.AppointmentConfirmed {
		return model.Appointment{}, invalid("status", fmt.Sprintf("appointment is %s, not confirmed", appt.Status))
	}

	started, err := o.store.StartAppointment(ctx, tx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if !started {
		return model.Appointment{}, invalid("payment", "appointment has no completed payment")
	}
	appt.Status = model.AppointmentInProgress

	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

// Complete transitions an in-progress appointment to completed.
func (o *Orchestrator) Complete(ctx context.Context, appointmentID string) (model.Appointment, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := o.store.GetAppointmentForUpdate(ctx, tx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status != model.AppointmentInProgress {
		return model.Appointment{}, invalid("status", fmt.Sprintf("appointment is %s, not in_progress", appt.Status))
	}

	if _, err := o.store.CompleteAppointment(ctx, tx, appointmentID); err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.AppointmentCompleted

	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

// Cancel transitions any non-terminal appointment to cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, appointmentID, reason string) (model.Appointment, error) {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := o.store.GetAppointmentForUpdate(ctx, tx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status.Terminal() {
		return model.Appointment{}, invalid("status", fmt.Sprintf("appointment is already %s", appt.Status))
	}

	cancelledAt, err := o.store.CancelAppointment(ctx, tx, appointmentID, reason)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.AppointmentCancelled
	appt.CancelledAt = &cancelledAt
	appt.CancelReason = reason

	payload, err := json.Marshal(map[string]any{
		"appointment_id": appointmentID,
		"reason":         reason,
	})
	if err != nil {
		return model.Appointment{}, err
	}
	if err := o.sink.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appointmentID,
		EventType:     outbox.EventAppointmentCancelled,
		Payload:       payload,
	}); err != nil {
		return model.Appointment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

// Slots computes the bookable start times for a specialist on one calendar
// day. day must be midnight in the timezone the templates are defined in.
func (o *Orchestrator) Slots(ctx context.Context, specialistID string, day time.Time, durationMinutes int) ([]availability.Slot, error) {
	if !availability.ValidDuration(durationMinutes) {
		return nil, invalid("duration_minutes",
			fmt.Sprintf("must be a positive multiple of %d", availability.GranularityMinutes))
	}

	templates, err := o.store.ListTemplateIntervals(ctx, specialistID, day.Weekday())
	if err != nil {
		return nil, err
	}
	windows := make([]availability.Interval, 0, len(templates))
	for _, t := range templates {
		windows = append(windows, availability.Interval{
			Start: day.Add(time.Duration(t.StartMinute) * time.Minute),
			End:   day.Add(time.Duration(t.EndMinute) * time.Minute),
		})
	}

	blocking, err := o.store.ListBlockingAppointments(ctx, specialistID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	busy := make([]availability.Interval, 0, len(blocking))
	for _, b := range blocking {
		busy = append(busy, availability.Interval{Start: b.ScheduledAt, End: b.EndsAt()})
	}

	duration := time.Duration(durationMinutes) * time.Minute
	return availability.Slots(windows, duration, busy), nil
}

func (o *Orchestrator) pricingInput(ctx context.Context, req CreateRequest) (pricing.Input, model.Specialist, error) {
	specialist, err := o.store.GetSpecialist(ctx, req.SpecialistID)
	if err != nil {
		if storage.IsNotFound(err) {
			return pricing.Input{}, model.Specialist{}, invalid("specialist_id", "unknown specialist")
		}
		return pricing.Input{}, model.Specialist{}, err
	}

	in := pricing.Input{
		DurationMinutes:         req.DurationMinutes,
		StandardHourlyRateCents: specialist.HourlyRateCents,
		InPerson:                req.LocationMode == model.LocationInPerson,
	}
	if req.TravelDistanceMiles != nil {
		in.TravelDistanceMiles = *req.TravelDistanceMiles
	}

	membership, active, err := o.store.GetActiveMembership(ctx, req.SeniorID)
	if err != nil {
		return pricing.Input{}, model.Specialist{}, err
	}
	if active {
		plan, err := o.store.GetPlan(ctx, membership.PlanID)
		if err != nil {
			return pricing.Input{}, model.Specialist{}, err
		}
		in.HasActiveMembership = true
		in.MemberHourlyRateCents = plan.MemberHourlyRateCents
	}
	return in, specialist, nil
}

func validate(req CreateRequest) error {
	if req.SeniorID == "" {
		return invalid("senior_id", "required")
	}
	if req.SpecialistID == "" {
		return invalid("specialist_id", "required")
	}
	if req.ScheduledAt.IsZero() {
		return invalid("scheduled_at", "required")
	}
	if !availability.ValidDuration(req.DurationMinutes) {
		return invalid("duration_minutes",
			fmt.Sprintf("must be a positive multiple of %d", availability.GranularityMinutes))
	}

	switch req.LocationMode {
	case model.LocationRemote:
		// Travel fields are ignored for remote visits.
	case model.LocationInPerson:
		if strings.TrimSpace(req.AddressLine) == "" {
			return invalid("address_line", "required for in-person visits")
		}
		if req.TravelDistanceMiles == nil {
			return invalid("travel_distance_miles", "must be computed for in-person visits")
		}
		if *req.TravelDistanceMiles < 0 {
			return invalid("travel_distance_miles", "must be non-negative")
		}
	default:
		return invalid("location_mode", "must be remote or in_person")
	}
	return nil
}
