package reconcile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
	"github.com/carebridge/carebridge/services/booking-service/internal/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore mimics the guarded-update semantics of the real storage layer:
// updates only apply when the row is in the expected prior state.
type fakeStore struct {
	payments     map[string]*model.Payment // by intent id
	appointments map[string]*model.Appointment
	memberships  map[string]*model.Membership // by subscription id
	current      map[string]string            // senior id -> subscription id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:     map[string]*model.Payment{},
		appointments: map[string]*model.Appointment{},
		memberships:  map[string]*model.Membership{},
		current:      map[string]string{},
	}
}

func (f *fakeStore) GetPaymentByIntentForUpdate(_ context.Context, _ pgx.Tx, intentID string) (model.Payment, bool, error) {
	p, ok := f.payments[intentID]
	if !ok {
		return model.Payment{}, false, nil
	}
	return *p, true, nil
}

func (f *fakeStore) CompletePaymentByIntent(_ context.Context, _ pgx.Tx, intentID string) (bool, error) {
	p, ok := f.payments[intentID]
	if !ok || (p.Status != model.PaymentPending && p.Status != model.PaymentFailed) {
		return false, nil
	}
	p.Status = model.PaymentCompleted
	return true, nil
}

func (f *fakeStore) PromotePendingPayment(_ context.Context, _ pgx.Tx, appointmentID, intentID string, amountCents int64) (bool, error) {
	for _, p := range f.payments {
		if p.AppointmentID == appointmentID && p.Status == model.PaymentPending {
			delete(f.payments, p.StripePaymentIntentID)
			p.StripePaymentIntentID = intentID
			p.Status = model.PaymentCompleted
			if amountCents > 0 {
				p.AmountCents = amountCents
			}
			f.payments[intentID] = p
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertCompletedPayment(_ context.Context, _ pgx.Tx, appointmentID, intentID string, amountCents int64, currency string) (bool, error) {
	if _, ok := f.payments[intentID]; ok {
		return false, nil
	}
	f.payments[intentID] = &model.Payment{
		AppointmentID:         appointmentID,
		AmountCents:           amountCents,
		Currency:              currency,
		Status:                model.PaymentCompleted,
		StripePaymentIntentID: intentID,
	}
	return true, nil
}

func (f *fakeStore) MarkPaymentFailed(_ context.Context, _ pgx.Tx, intentID, reason string) (bool, error) {
	p, ok := f.payments[intentID]
	if !ok || p.Status != model.PaymentPending {
		return false, nil
	}
	p.Status = model.PaymentFailed
	p.FailureReason = reason
	return true, nil
}

func (f *fakeStore) MarkPaymentRefunded(_ context.Context, _ pgx.Tx, intentID string, refundCents int64, reason string) (bool, error) {
	p, ok := f.payments[intentID]
	if !ok || p.Status != model.PaymentCompleted {
		return false, nil
	}
	p.Status = model.PaymentRefunded
	p.RefundAmountCents = refundCents
	p.RefundReason = reason
	return true, nil
}

func (f *fakeStore) ConfirmAppointmentIfPending(_ context.Context, _ pgx.Tx, id string) (bool, error) {
	appt, ok := f.appointments[id]
	if !ok || appt.Status != model.AppointmentPending {
		return false, nil
	}
	appt.Status = model.AppointmentConfirmed
	return true, nil
}

func (f *fakeStore) GetMembershipBySubscriptionForUpdate(_ context.Context, _ pgx.Tx, subscriptionID string) (model.Membership, bool, error) {
	m, ok := f.memberships[subscriptionID]
	if !ok {
		return model.Membership{}, false, nil
	}
	return *m, true, nil
}

func (f *fakeStore) InsertActiveMembership(_ context.Context, _ pgx.Tx, m model.Membership) (bool, error) {
	if _, ok := f.memberships[m.StripeSubscriptionID]; ok {
		return false, nil
	}
	m.Status = model.MembershipActive
	f.memberships[m.StripeSubscriptionID] = &m
	return true, nil
}

func (f *fakeStore) ReinstateMembership(_ context.Context, _ pgx.Tx, subscriptionID string, occurredAt time.Time, nextBillingAt *time.Time) (bool, error) {
	m, ok := f.memberships[subscriptionID]
	if !ok || m.Status != model.MembershipCancelled {
		return false, nil
	}
	if m.CancelledAt != nil && !m.CancelledAt.Before(occurredAt) {
		return false, nil
	}
	m.Status = model.MembershipActive
	m.CancelledAt = nil
	if nextBillingAt != nil {
		m.NextBillingAt = nextBillingAt
	}
	return true, nil
}

func (f *fakeStore) RefreshMembershipBilling(_ context.Context, _ pgx.Tx, subscriptionID string, nextBillingAt *time.Time) (bool, error) {
	m, ok := f.memberships[subscriptionID]
	if !ok || m.Status != model.MembershipActive {
		return false, nil
	}
	if nextBillingAt != nil {
		m.NextBillingAt = nextBillingAt
	}
	return true, nil
}

func (f *fakeStore) CancelMembership(_ context.Context, _ pgx.Tx, subscriptionID string, occurredAt time.Time, effectiveAt *time.Time) (bool, error) {
	m, ok := f.memberships[subscriptionID]
	if !ok || m.Status != model.MembershipActive {
		return false, nil
	}
	m.Status = model.MembershipCancelled
	at := occurredAt
	m.CancelledAt = &at
	m.CancelEffectiveAt = effectiveAt
	return true, nil
}

func (f *fakeStore) SetCurrentMembership(_ context.Context, _ pgx.Tx, seniorID, subscriptionID string) error {
	f.current[seniorID] = subscriptionID
	return nil
}

func (f *fakeStore) ClearCurrentMembership(_ context.Context, _ pgx.Tx, subscriptionID string) error {
	for senior, sub := range f.current {
		if sub == subscriptionID {
			delete(f.current, senior)
		}
	}
	return nil
}

type fakeSink struct {
	events []outbox.Event
}

func (f *fakeSink) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeSink) types() []string {
	var out []string
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

func newTestApplier(store Store, sink Sink) *Applier {
	return NewApplier(store, sink, slog.Default())
}

func TestApplyPaymentSucceededReplay(t *testing.T) {
	store := newFakeStore()
	store.appointments["appt-1"] = &model.Appointment{ID: "appt-1", Status: model.AppointmentPending}
	store.payments["pi_1"] = &model.Payment{
		AppointmentID:         "appt-1",
		Status:                model.PaymentPending,
		StripePaymentIntentID: "pi_1",
	}
	sink := &fakeSink{}
	applier := newTestApplier(store, sink)

	evt := Event{
		Type:            EventPaymentSucceeded,
		PaymentIntentID: "pi_1",
		AmountCents:     7900,
		Currency:        "usd",
		OccurredAt:      time.Now(),
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, applier.Apply(context.Background(), nil, evt))
	}

	assert.Equal(t, model.PaymentCompleted, store.payments["pi_1"].Status)
	assert.Equal(t, model.AppointmentConfirmed, store.appointments["appt-1"].Status)
	// Exactly one completion and one confirmation, no matter how many
	// deliveries arrived.
	assert.Equal(t, []string{outbox.EventPaymentCompleted, outbox.EventAppointmentConfirmed}, sink.types())
}

func TestApplyPaymentSucceededPromotesPendingRow(t *testing.T) {
	store := newFakeStore()
	store.appointments["appt-2"] = &model.Appointment{ID: "appt-2", Status: model.AppointmentPending}
	store.payments[""] = &model.Payment{AppointmentID: "appt-2", Status: model.PaymentPending}
	sink := &fakeSink{}
	applier := newTestApplier(store, sink)

	evt := Event{
		Type:            EventPaymentSucceeded,
		PaymentIntentID: "pi_new",
		AppointmentID:   "appt-2",
		AmountCents:     12500,
	}
	require.NoError(t, applier.Apply(context.Background(), nil, evt))

	p, ok := store.payments["pi_new"]
	require.True(t, ok)
	assert.Equal(t, model.PaymentCompleted, p.Status)
	assert.EqualValues(t, 12500, p.AmountCents)
	assert.Equal(t, model.AppointmentConfirmed, store.appointments["appt-2"].Status)
}

func TestApplyPaymentFailedOnlyFromPending(t *testing.T) {
	store := newFakeStore()
	store.payments["pi_3"] = &model.Payment{
		AppointmentID:         "appt-3",
		Status:                model.PaymentCompleted,
		StripePaymentIntentID: "pi_3",
	}
	applier := newTestApplier(store, &fakeSink{})

	evt := Event{Type: EventPaymentFailed, PaymentIntentID: "pi_3", FailureReason: "card_declined"}
	require.NoError(t, applier.Apply(context.Background(), nil, evt))

	// A late failure event never demotes a completed payment.
	assert.Equal(t, model.PaymentCompleted, store.payments["pi_3"].Status)
}

func TestApplyChargeRefunded(t *testing.T) {
	store := newFakeStore()
	store.payments["pi_4"] = &model.Payment{
		AppointmentID:         "appt-4",
		Status:                model.PaymentCompleted,
		StripePaymentIntentID: "pi_4",
	}
	sink := &fakeSink{}
	applier := newTestApplier(store, sink)

	evt := Event{
		Type:              EventChargeRefunded,
		PaymentIntentID:   "pi_4",
		RefundAmountCents: 5000,
		RefundReason:      "requested_by_customer",
	}
	require.NoError(t, applier.Apply(context.Background(), nil, evt))
	require.NoError(t, applier.Apply(context.Background(), nil, evt))

	assert.Equal(t, model.PaymentRefunded, store.payments["pi_4"].Status)
	assert.EqualValues(t, 5000, store.payments["pi_4"].RefundAmountCents)
	assert.Equal(t, "requested_by_customer", store.payments["pi_4"].RefundReason)
	assert.Equal(t, []string{outbox.EventPaymentRefunded}, sink.types())
}

func TestMembershipActivationAndReplay(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	applier := newTestApplier(store, sink)

	evt := Event{
		Type:           EventInvoicePaymentSucceeded,
		SubscriptionID: "sub_1",
		SeniorID:       "senior-1",
		PlanID:         "plan-1",
		OccurredAt:     time.Now(),
	}
	require.NoError(t, applier.Apply(context.Background(), nil, evt))
	require.NoError(t, applier.Apply(context.Background(), nil, evt))

	m := store.memberships["sub_1"]
	require.NotNil(t, m)
	assert.Equal(t, model.MembershipActive, m.Status)
	assert.Equal(t, "sub_1", store.current["senior-1"])
	assert.Equal(t, []string{outbox.EventMembershipActivated}, sink.types())
}

func TestSubscriptionDeletedIsTerminalForOlderEvents(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	applier := newTestApplier(store, sink)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, applier.Apply(context.Background(), nil, Event{
		Type:           EventInvoicePaymentSucceeded,
		SubscriptionID: "sub_2",
		SeniorID:       "senior-2",
		PlanID:         "plan-1",
		OccurredAt:     base,
	}))
	require.NoError(t, applier.Apply(context.Background(), nil, Event{
		Type:           EventSubscriptionDeleted,
		SubscriptionID: "sub_2",
		OccurredAt:     base.Add(time.Hour),
	}))
	require.Equal(t, model.MembershipCancelled, store.memberships["sub_2"].Status)
	assert.Empty(t, store.current["senior-2"])

	// An out-of-order charge event from before the cancellation must not
	// resurrect the membership.
	require.NoError(t, applier.Apply(context.Background(), nil, Event{
		Type:           EventInvoicePaymentSucceeded,
		SubscriptionID: "sub_2",
		SeniorID:       "senior-2",
		PlanID:         "plan-1",
		OccurredAt:     base.Add(30 * time.Minute),
	}))
	assert.Equal(t, model.MembershipCancelled, store.memberships["sub_2"].Status)

	// A charge that genuinely postdates the cancellation reinstates it.
	require.NoError(t, applier.Apply(context.Background(), nil, Event{
		Type:           EventInvoicePaymentSucceeded,
		SubscriptionID: "sub_2",
		SeniorID:       "senior-2",
		PlanID:         "plan-1",
		OccurredAt:     base.Add(2 * time.Hour),
	}))
	assert.Equal(t, model.MembershipActive, store.memberships["sub_2"].Status)
	assert.Equal(t, "sub_2", store.current["senior-2"])
}

func TestSubscriptionUpdatedRoutesByStatus(t *testing.T) {
	store := newFakeStore()
	applier := newTestApplier(store, &fakeSink{})

	require.NoError(t, applier.Apply(context.Background(), nil, Event{
		Type:               EventSubscriptionUpdated,
		SubscriptionID:     "sub_3",
		SeniorID:           "senior-3",
		PlanID:             "plan-1",
		SubscriptionStatus: "active",
		OccurredAt:         time.Now(),
	}))
	require.Equal(t, model.MembershipActive, store.memberships["sub_3"].Status)

	require.NoError(t, applier.Apply(context.Background(), nil, Event{
		Type:               EventSubscriptionUpdated,
		SubscriptionID:     "sub_3",
		SubscriptionStatus: "canceled",
		OccurredAt:         time.Now(),
	}))
	assert.Equal(t, model.MembershipCancelled, store.memberships["sub_3"].Status)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	applier := newTestApplier(newFakeStore(), &fakeSink{})
	assert.NoError(t, applier.Apply(context.Background(), nil, Event{Type: "something.new"}))
}
