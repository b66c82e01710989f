package model

import "testing"

func TestAppointmentTransitions(t *testing.T) {
	allowed := []struct {
		from, to AppointmentStatus
	}{
		{AppointmentPending, AppointmentConfirmed},
		{AppointmentPending, AppointmentCancelled},
		{AppointmentConfirmed, AppointmentInProgress},
		{AppointmentConfirmed, AppointmentCancelled},
		{AppointmentInProgress, AppointmentCompleted},
		{AppointmentInProgress, AppointmentCancelled},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct {
		from, to AppointmentStatus
	}{
		{AppointmentPending, AppointmentInProgress},
		{AppointmentPending, AppointmentCompleted},
		{AppointmentCompleted, AppointmentCancelled},
		{AppointmentCancelled, AppointmentConfirmed},
		{AppointmentConfirmed, AppointmentPending},
	}
	for _, tr := range denied {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestAppointmentStatusFlags(t *testing.T) {
	for _, s := range []AppointmentStatus{AppointmentCompleted, AppointmentCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.BlocksSlot() {
			t.Errorf("%s should not block a slot", s)
		}
	}
	for _, s := range []AppointmentStatus{AppointmentPending, AppointmentConfirmed, AppointmentInProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.BlocksSlot() {
			t.Errorf("%s should block a slot", s)
		}
	}
}

func TestPaymentTransitions(t *testing.T) {
	if !PaymentPending.CanTransitionTo(PaymentCompleted) {
		t.Error("pending -> completed should be allowed")
	}
	if !PaymentFailed.CanTransitionTo(PaymentCompleted) {
		t.Error("failed -> completed should be allowed (payment retry)")
	}
	if !PaymentCompleted.CanTransitionTo(PaymentRefunded) {
		t.Error("completed -> refunded should be allowed")
	}
	if PaymentRefunded.CanTransitionTo(PaymentCompleted) {
		t.Error("refunded is terminal")
	}
	if PaymentCompleted.CanTransitionTo(PaymentPending) {
		t.Error("completed -> pending should be denied")
	}
}
