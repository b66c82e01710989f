package storage

import (
	"context"
	"errors"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
	"github.com/jackc/pgx/v5"
)

const paymentColumns = `
	id, appointment_id, amount_cents, currency, status,
	COALESCE(stripe_payment_intent_id, ''), COALESCE(failure_reason, ''),
	refund_amount_cents, COALESCE(refund_reason, ''), created_at, updated_at`

// InsertInitialPayment pre-creates the pending payment row in the booking
// transaction, before any processor intent exists.
func (s *Store) InsertInitialPayment(ctx context.Context, tx pgx.Tx, appointmentID string, amountCents int64, currency string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (appointment_id, amount_cents, currency, status)
		VALUES ($1, $2, $3, 'pending')
	`, appointmentID, amountCents, currency)
	return err
}

// AttachIntentToPendingPayment binds a freshly created processor intent to
// the oldest unbound pending payment for the appointment.
func (s *Store) AttachIntentToPendingPayment(ctx context.Context, tx pgx.Tx, appointmentID, intentID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET stripe_payment_intent_id = $2, updated_at = now()
		WHERE id = (
			SELECT id FROM payments
			WHERE appointment_id = $1 AND status = 'pending' AND stripe_payment_intent_id IS NULL
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE
		)
	`, appointmentID, intentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertPendingPayment records an intent-backed pending payment when no
// unbound row exists, e.g. a retry after a failed attempt.
func (s *Store) InsertPendingPayment(ctx context.Context, tx pgx.Tx, appointmentID, intentID string, amountCents int64, currency string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (appointment_id, amount_cents, currency, status, stripe_payment_intent_id)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (stripe_payment_intent_id) DO NOTHING
	`, appointmentID, amountCents, currency, intentID)
	return err
}

func (s *Store) GetPaymentByIntentForUpdate(ctx context.Context, tx pgx.Tx, intentID string) (model.Payment, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE stripe_payment_intent_id = $1
		FOR UPDATE
	`, intentID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Payment{}, false, nil
		}
		return model.Payment{}, false, err
	}
	return p, true, nil
}

// CompletePaymentByIntent promotes a payment to completed, keyed by the
// external intent id. Already-completed (or refunded) rows are untouched so
// a replayed success event is a safe no-op.
func (s *Store) CompletePaymentByIntent(ctx context.Context, tx pgx.Tx, intentID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = 'completed', failure_reason = NULL, updated_at = now()
		WHERE stripe_payment_intent_id = $1 AND status IN ('pending', 'failed')
	`, intentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// PromotePendingPayment completes the oldest pending payment pre-created
// for the appointment, attaching the external intent id. Used when the
// success event carries an intent id we have no row for yet.
func (s *Store) PromotePendingPayment(ctx context.Context, tx pgx.Tx, appointmentID, intentID string, amountCents int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = 'completed',
			stripe_payment_intent_id = $2,
			amount_cents = CASE WHEN $3 > 0 THEN $3 ELSE amount_cents END,
			updated_at = now()
		WHERE id = (
			SELECT id FROM payments
			WHERE appointment_id = $1 AND status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE
		)
	`, appointmentID, intentID, amountCents)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertCompletedPayment lazily records a payment first seen via a success
// event. The unique external id absorbs duplicate deliveries.
func (s *Store) InsertCompletedPayment(ctx context.Context, tx pgx.Tx, appointmentID, intentID string, amountCents int64, currency string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO payments (appointment_id, amount_cents, currency, status, stripe_payment_intent_id)
		VALUES ($1, $2, $3, 'completed', $4)
		ON CONFLICT (stripe_payment_intent_id) DO NOTHING
	`, appointmentID, amountCents, currency, intentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) MarkPaymentFailed(ctx context.Context, tx pgx.Tx, intentID, reason string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE stripe_payment_intent_id = $1 AND status = 'pending'
	`, intentID, nullIfEmpty(reason))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) MarkPaymentRefunded(ctx context.Context, tx pgx.Tx, intentID string, refundCents int64, reason string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = 'refunded',
			refund_amount_cents = $2,
			refund_reason = $3,
			updated_at = now()
		WHERE stripe_payment_intent_id = $1 AND status = 'completed'
	`, intentID, refundCents, nullIfEmpty(reason))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListPaymentsForAppointment returns every payment attempt for the
// appointment, newest first.
func (s *Store) ListPaymentsForAppointment(ctx context.Context, appointmentID string) ([]model.Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		ORDER BY created_at DESC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return payments, nil
}

func (s *Store) GetCompletedPayment(ctx context.Context, appointmentID string) (model.Payment, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1 AND status = 'completed'
	`, appointmentID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Payment{}, false, nil
		}
		return model.Payment{}, false, err
	}
	return p, true, nil
}

func scanPayment(row pgx.Row) (model.Payment, error) {
	var p model.Payment
	var updatedAt *time.Time
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.AmountCents,
		&p.Currency,
		&p.Status,
		&p.StripePaymentIntentID,
		&p.FailureReason,
		&p.RefundAmountCents,
		&p.RefundReason,
		&p.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return model.Payment{}, err
	}
	if updatedAt != nil {
		p.UpdatedAt = *updatedAt
	}
	return p, nil
}
