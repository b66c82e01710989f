package storage

import (
	"context"
	"errors"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
	"github.com/jackc/pgx/v5"
)

const membershipColumns = `
	id, senior_id, plan_id, status, stripe_subscription_id,
	next_billing_at, cancelled_at, cancel_effective_at, created_at, updated_at`

func (s *Store) GetActiveMembership(ctx context.Context, seniorID string) (model.Membership, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE senior_id = $1 AND status = 'active'
	`, seniorID)
	return scanMembershipMaybe(row)
}

func (s *Store) GetMembershipBySubscriptionForUpdate(ctx context.Context, tx pgx.Tx, subscriptionID string) (model.Membership, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE stripe_subscription_id = $1
		FOR UPDATE
	`, subscriptionID)
	return scanMembershipMaybe(row)
}

// InsertActiveMembership records the first successful subscription charge.
// The unique subscription id absorbs duplicate deliveries; a partial unique
// index on (senior_id) WHERE status = 'active' stops a racing second active
// membership with a 23505 (IsUniqueViolation).
func (s *Store) InsertActiveMembership(ctx context.Context, tx pgx.Tx, m model.Membership) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO memberships (senior_id, plan_id, status, stripe_subscription_id, next_billing_at)
		VALUES ($1, $2, 'active', $3, $4)
		ON CONFLICT (stripe_subscription_id) DO NOTHING
	`, m.SeniorID, m.PlanID, m.StripeSubscriptionID, m.NextBillingAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReinstateMembership reactivates a cancelled membership under the same
// subscription id, but only when the triggering event is strictly newer
// than the recorded cancellation. Deletion is otherwise terminal.
func (s *Store) ReinstateMembership(ctx context.Context, tx pgx.Tx, subscriptionID string, occurredAt time.Time, nextBillingAt *time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE memberships
		SET status = 'active',
			cancelled_at = NULL,
			cancel_effective_at = NULL,
			next_billing_at = COALESCE($3, next_billing_at),
			updated_at = now()
		WHERE stripe_subscription_id = $1
			AND status = 'cancelled'
			AND (cancelled_at IS NULL OR cancelled_at < $2)
	`, subscriptionID, occurredAt, nextBillingAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RefreshMembershipBilling(ctx context.Context, tx pgx.Tx, subscriptionID string, nextBillingAt *time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE memberships
		SET next_billing_at = COALESCE($2, next_billing_at),
			updated_at = now()
		WHERE stripe_subscription_id = $1 AND status = 'active'
	`, subscriptionID, nextBillingAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CancelMembership(ctx context.Context, tx pgx.Tx, subscriptionID string, occurredAt time.Time, effectiveAt *time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE memberships
		SET status = 'cancelled',
			cancelled_at = $2,
			cancel_effective_at = $3,
			updated_at = now()
		WHERE stripe_subscription_id = $1 AND status = 'active'
	`, subscriptionID, occurredAt, effectiveAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetCurrentMembership points the senior at their live membership row.
func (s *Store) SetCurrentMembership(ctx context.Context, tx pgx.Tx, seniorID, subscriptionID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE seniors
		SET current_membership_id = (
			SELECT id FROM memberships WHERE stripe_subscription_id = $2
		)
		WHERE id = $1
	`, seniorID, subscriptionID)
	return err
}

// ClearCurrentMembership detaches any senior pointing at the membership
// behind the given subscription id.
func (s *Store) ClearCurrentMembership(ctx context.Context, tx pgx.Tx, subscriptionID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE seniors
		SET current_membership_id = NULL
		WHERE current_membership_id = (
			SELECT id FROM memberships WHERE stripe_subscription_id = $1
		)
	`, subscriptionID)
	return err
}

func (s *Store) GetStripeCustomerID(ctx context.Context, seniorID string) (string, error) {
	var customerID string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(stripe_customer_id, '') FROM seniors WHERE id = $1
	`, seniorID).Scan(&customerID)
	return customerID, err
}

func (s *Store) SetStripeCustomerID(ctx context.Context, seniorID, customerID string) error {
	// First writer wins; a concurrent intent creation reuses the stored id.
	_, err := s.pool.Exec(ctx, `
		UPDATE seniors
		SET stripe_customer_id = $2
		WHERE id = $1 AND stripe_customer_id IS NULL
	`, seniorID, customerID)
	return err
}

// ListMembershipsForReconcile returns memberships with subscription ids for
// the periodic self-heal pass, most recently touched first.
func (s *Store) ListMembershipsForReconcile(ctx context.Context, limit int) ([]model.Membership, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE stripe_subscription_id <> ''
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanMembership(row pgx.Row) (model.Membership, error) {
	var m model.Membership
	err := row.Scan(
		&m.ID,
		&m.SeniorID,
		&m.PlanID,
		&m.Status,
		&m.StripeSubscriptionID,
		&m.NextBillingAt,
		&m.CancelledAt,
		&m.CancelEffectiveAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return model.Membership{}, err
	}
	return m, nil
}

func scanMembershipMaybe(row pgx.Row) (model.Membership, bool, error) {
	m, err := scanMembership(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Membership{}, false, nil
		}
		return model.Membership{}, false, err
	}
	return m, true, nil
}
