package storage

import (
	"context"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The payment writes are guarded conditional updates: the WHERE clause names
// the expected prior state and the row count tells the caller whether the
// transition actually happened. These tests pin the guards down.

func newMockTx(t *testing.T) (pgxmock.PgxPoolIface, context.Context) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, context.Background()
}

func TestCompletePaymentByIntentGuardsOnStatus(t *testing.T) {
	mock, ctx := newMockTx(t)
	store := &Store{}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).
		WithArgs("pi_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	applied, err := store.CompletePaymentByIntent(ctx, tx, "pi_1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletePaymentByIntentReplayIsNoop(t *testing.T) {
	mock, ctx := newMockTx(t)
	store := &Store{}

	mock.ExpectBegin()
	// Already completed: the status predicate matches nothing.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).
		WithArgs("pi_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	applied, err := store.CompletePaymentByIntent(ctx, tx, "pi_1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCompletedPaymentAbsorbsDuplicateIntent(t *testing.T) {
	mock, ctx := newMockTx(t)
	store := &Store{}

	mock.ExpectBegin()
	// ON CONFLICT (stripe_payment_intent_id) DO NOTHING
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WithArgs("appt-1", int64(7900), "usd", "pi_1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	inserted, err := store.InsertCompletedPayment(ctx, tx, "appt-1", "pi_1", 7900, "usd")
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPaymentFailedOnlyFromPending(t *testing.T) {
	mock, ctx := newMockTx(t)
	store := &Store{}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).
		WithArgs("pi_2", "card_declined").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	applied, err := store.MarkPaymentFailed(ctx, tx, "pi_2", "card_declined")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPaymentRefundedOnlyFromCompleted(t *testing.T) {
	mock, ctx := newMockTx(t)
	store := &Store{}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).
		WithArgs("pi_3", int64(5000), "requested_by_customer").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	applied, err := store.MarkPaymentRefunded(ctx, tx, "pi_3", 5000, "requested_by_customer")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
