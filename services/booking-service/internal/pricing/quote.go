package pricing

import "math"

// IncludedTravelMiles is covered by the base price; only distance beyond it
// is billed.
const IncludedTravelMiles = 20.0

// TravelFeeCentsPerMile is the per-mile fee past the included distance.
const TravelFeeCentsPerMile int64 = 100

type Input struct {
	DurationMinutes         int
	StandardHourlyRateCents int64

	// Membership fields apply only when HasActiveMembership is set.
	HasActiveMembership   bool
	MemberHourlyRateCents int64

	InPerson            bool
	TravelDistanceMiles float64
}

type Quote struct {
	BasePriceCents      int64
	TravelFeeCents      int64
	MemberDiscountCents int64
	TotalCents          int64
}

// Compute produces the price quote for a prospective booking. It is a pure
// function: no lookups, no clock, identical inputs always produce identical
// quotes. The quote is frozen onto the appointment at booking time.
//
// Base price is the standard hourly rate prorated by duration. The member
// discount is the standard-vs-member rate difference prorated the same way,
// so total equals the member rate equivalent plus travel fee. The first
// IncludedTravelMiles of travel are free; the total never goes negative.
func Compute(in Input) Quote {
	if in.DurationMinutes <= 0 || in.StandardHourlyRateCents < 0 {
		return Quote{}
	}

	q := Quote{
		BasePriceCents: prorate(in.StandardHourlyRateCents, in.DurationMinutes),
	}

	if in.HasActiveMembership && in.MemberHourlyRateCents > 0 && in.MemberHourlyRateCents < in.StandardHourlyRateCents {
		q.MemberDiscountCents = prorate(in.StandardHourlyRateCents-in.MemberHourlyRateCents, in.DurationMinutes)
	}

	if in.InPerson && in.TravelDistanceMiles > IncludedTravelMiles {
		extra := in.TravelDistanceMiles - IncludedTravelMiles
		q.TravelFeeCents = int64(math.Round(extra * float64(TravelFeeCentsPerMile)))
	}

	q.TotalCents = q.BasePriceCents + q.TravelFeeCents - q.MemberDiscountCents
	if q.TotalCents < 0 {
		q.TotalCents = 0
	}
	return q
}

func prorate(hourlyCents int64, minutes int) int64 {
	return hourlyCents * int64(minutes) / 60
}
