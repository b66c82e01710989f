package model

import "time"

type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipCancelled MembershipStatus = "cancelled"
)

// Membership is a recurring subscription granting discounted rates.
// A senior holds at most one active membership at a time; the Stripe
// subscription id is unique across all memberships.
type Membership struct {
	ID                   string
	SeniorID             string
	PlanID               string
	Status               MembershipStatus
	StripeSubscriptionID string
	NextBillingAt        *time.Time
	CancelledAt          *time.Time
	CancelEffectiveAt    *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Plan is a membership tier. MemberHourlyRateCents is the discounted rate
// applied by the price quoter while the membership is active.
type Plan struct {
	ID                    string
	Name                  string
	MonthlyPriceCents     int64
	MemberHourlyRateCents int64
	StripePriceID         string
}

// Specialist carries the rate fields the quoter and payout logic need.
type Specialist struct {
	ID                       string
	HourlyRateCents          int64
	PayoutRateCents          int64
	TravelReimbursementCents int64
}

// TemplateInterval is one recurring open interval of a specialist's weekly
// availability, expressed as minutes from local midnight.
type TemplateInterval struct {
	SpecialistID string
	Weekday      time.Weekday
	StartMinute  int
	EndMinute    int
}
