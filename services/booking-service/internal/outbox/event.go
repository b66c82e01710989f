package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by this service.
const (
	EventAppointmentCreated   = "booking.appointment.created.v1"
	EventAppointmentConfirmed = "booking.appointment.confirmed.v1"
	EventAppointmentCancelled = "booking.appointment.cancelled.v1"
	EventPaymentCompleted     = "billing.payment.completed.v1"
	EventPaymentRefunded      = "billing.payment.refunded.v1"
	EventMembershipActivated  = "billing.membership.activated.v1"
	EventMembershipCancelled  = "billing.membership.cancelled.v1"
)
