package storage

import (
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartAppointment only applies when the row is confirmed AND a completed
// payment exists; the guard lives in the WHERE clause, so an unpaid or
// wrong-state appointment shows up as zero affected rows.

func TestStartAppointmentAppliesWhenPaid(t *testing.T) {
	mock, ctx := newMockTx(t)
	store := &Store{}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE appointments")).
		WithArgs("appt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	started, err := store.StartAppointment(ctx, tx, "appt-1")
	require.NoError(t, err)
	assert.True(t, started)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartAppointmentBlockedWithoutCompletedPayment(t *testing.T) {
	mock, ctx := newMockTx(t)
	store := &Store{}

	mock.ExpectBegin()
	// Confirmed but unpaid, or not confirmed at all: the EXISTS/status
	// predicate matches nothing.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE appointments")).
		WithArgs("appt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	started, err := store.StartAppointment(ctx, tx, "appt-1")
	require.NoError(t, err)
	assert.False(t, started)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteAppointmentOnlyFromInProgress(t *testing.T) {
	mock, ctx := newMockTx(t)
	store := &Store{}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE appointments")).
		WithArgs("appt-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	done, err := store.CompleteAppointment(ctx, tx, "appt-2")
	require.NoError(t, err)
	assert.False(t, done)
	assert.NoError(t, mock.ExpectationsWereMet())
}
