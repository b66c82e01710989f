package storage

import (
	"context"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
	"github.com/jackc/pgx/v5"
)

const appointmentColumns = `
	id, senior_id, specialist_id, scheduled_at, duration_minutes, status,
	location_mode, COALESCE(address_line, ''), COALESCE(address_city, ''),
	COALESCE(address_state, ''), COALESCE(address_zip, ''),
	COALESCE(issue_description, ''),
	base_price_cents, travel_fee_cents, member_discount_cents, total_price_cents,
	payout_rate_cents, travel_reimbursement_cents,
	cancelled_at, COALESCE(cancellation_reason, ''), created_at`

// CreateAppointment inserts a pending appointment. The appointments table
// carries an exclusion constraint over (specialist_id, time range) for
// non-terminal statuses; a lost race surfaces as a 23P01 error (IsConflict),
// which is the write-time re-validation the booking flow relies on.
func (s *Store) CreateAppointment(ctx context.Context, tx pgx.Tx, appt *model.Appointment) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(senior_id, specialist_id, scheduled_at, duration_minutes, status,
			 location_mode, address_line, address_city, address_state, address_zip,
			 issue_description,
			 base_price_cents, travel_fee_cents, member_discount_cents, total_price_cents,
			 payout_rate_cents, travel_reimbursement_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id
	`, appt.SeniorID, appt.SpecialistID, appt.ScheduledAt, appt.DurationMinutes, appt.Status,
		appt.LocationMode, nullIfEmpty(appt.AddressLine), nullIfEmpty(appt.AddressCity),
		nullIfEmpty(appt.AddressState), nullIfEmpty(appt.AddressZip),
		nullIfEmpty(appt.IssueDescription),
		appt.BasePriceCents, appt.TravelFeeCents, appt.MemberDiscountCents, appt.TotalPriceCents,
		appt.PayoutRateCents, appt.TravelReimbursementCents).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (s *Store) GetAppointmentForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

// ConfirmAppointmentIfPending transitions pending -> confirmed. The status
// predicate makes a replayed or racing confirmation a no-op; callers treat
// zero rows as "already applied", not as a failure.
func (s *Store) ConfirmAppointmentIfPending(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'confirmed'
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// StartAppointment transitions confirmed -> in_progress. The transition is
// only legal once a completed payment exists for the appointment.
func (s *Store) StartAppointment(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'in_progress'
		WHERE id = $1
			AND status = 'confirmed'
			AND EXISTS (
				SELECT 1 FROM payments
				WHERE appointment_id = $1 AND status = 'completed'
			)
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompleteAppointment(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'completed'
		WHERE id = $1 AND status = 'in_progress'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CancelAppointment(ctx context.Context, tx pgx.Tx, id, reason string) (time.Time, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
			cancelled_at = now(),
			cancellation_reason = $2
		WHERE id = $1 AND status IN ('pending', 'confirmed', 'in_progress')
		RETURNING cancelled_at
	`, id, nullIfEmpty(reason)).Scan(&cancelledAt)
	return cancelledAt, err
}

// ListBlockingAppointments returns non-terminal appointments for a
// specialist intersecting [from, to). Cancelled and completed appointments
// do not block slots.
func (s *Store) ListBlockingAppointments(ctx context.Context, specialistID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE specialist_id = $1
			AND status IN ('pending', 'confirmed', 'in_progress')
			AND scheduled_at < $3
			AND scheduled_at + make_interval(mins => duration_minutes) > $2
		ORDER BY scheduled_at ASC
	`, specialistID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var cancelledAt *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.SeniorID,
		&appt.SpecialistID,
		&appt.ScheduledAt,
		&appt.DurationMinutes,
		&appt.Status,
		&appt.LocationMode,
		&appt.AddressLine,
		&appt.AddressCity,
		&appt.AddressState,
		&appt.AddressZip,
		&appt.IssueDescription,
		&appt.BasePriceCents,
		&appt.TravelFeeCents,
		&appt.MemberDiscountCents,
		&appt.TotalPriceCents,
		&appt.PayoutRateCents,
		&appt.TravelReimbursementCents,
		&cancelledAt,
		&appt.CancelReason,
		&appt.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.CancelledAt = cancelledAt
	return appt, nil
}
