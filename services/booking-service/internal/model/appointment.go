package model

import "time"

type AppointmentStatus string

const (
	AppointmentPending    AppointmentStatus = "pending"
	AppointmentConfirmed  AppointmentStatus = "confirmed"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCancelled  AppointmentStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentCompleted || s == AppointmentCancelled
}

// BlocksSlot reports whether an appointment in this status occupies its
// time slot for overlap purposes.
func (s AppointmentStatus) BlocksSlot() bool {
	switch s {
	case AppointmentPending, AppointmentConfirmed, AppointmentInProgress:
		return true
	default:
		return false
	}
}

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	AppointmentPending:    {AppointmentConfirmed, AppointmentCancelled},
	AppointmentConfirmed:  {AppointmentInProgress, AppointmentCancelled},
	AppointmentInProgress: {AppointmentCompleted, AppointmentCancelled},
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range appointmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type LocationMode string

const (
	LocationRemote   LocationMode = "remote"
	LocationInPerson LocationMode = "in_person"
)

type Appointment struct {
	ID               string
	SeniorID         string
	SpecialistID     string
	ScheduledAt      time.Time
	DurationMinutes  int
	Status           AppointmentStatus
	LocationMode     LocationMode
	AddressLine      string
	AddressCity      string
	AddressState     string
	AddressZip       string
	IssueDescription string

	// Pricing is frozen at booking time; later plan or rate changes must
	// not alter an existing appointment.
	BasePriceCents      int64
	TravelFeeCents      int64
	MemberDiscountCents int64
	TotalPriceCents     int64

	PayoutRateCents          int64
	TravelReimbursementCents int64

	CancelledAt  *time.Time
	CancelReason string
	CreatedAt    time.Time
}

// EndsAt returns the exclusive end of the appointment interval.
func (a Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}
