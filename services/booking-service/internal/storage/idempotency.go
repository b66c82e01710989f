package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRecord is the stored outcome of a booking request keyed by the
// client-supplied Idempotency-Key header.
type IdempotencyRecord struct {
	SeniorID        string
	IdempotencyKey  string
	AppointmentID   string
	StatusCode      int
	ResponsePayload []byte
}

// LockIdempotencyKey claims the key for the duration of the transaction.
// Returns the existing record (and true) when a previous request already
// finished with this key.
func (s *Store) LockIdempotencyKey(ctx context.Context, tx pgx.Tx, seniorID, key string) (IdempotencyRecord, bool, error) {
	rec, err := s.selectIdempotencyForUpdate(ctx, tx, seniorID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (senior_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (senior_id, idempotency_key) DO NOTHING
	`, seniorID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = s.selectIdempotencyForUpdate(ctx, tx, seniorID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

func (s *Store) FinalizeIdempotency(ctx context.Context, tx pgx.Tx, seniorID, key, appointmentID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE senior_id = $1 AND idempotency_key = $2
	`, seniorID, key, nullIfEmpty(appointmentID), statusCode, response)
	return err
}

func (s *Store) selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, seniorID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT senior_id::text,
			idempotency_key,
			COALESCE(appointment_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE senior_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, seniorID, key).Scan(
		&rec.SeniorID,
		&rec.IdempotencyKey,
		&rec.AppointmentID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
