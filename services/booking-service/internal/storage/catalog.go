package storage

import (
	"context"
	"time"

	"github.com/carebridge/carebridge/services/booking-service/internal/model"
)

func (s *Store) GetSpecialist(ctx context.Context, id string) (model.Specialist, error) {
	var sp model.Specialist
	err := s.pool.QueryRow(ctx, `
		SELECT id, hourly_rate_cents, payout_rate_cents, travel_reimbursement_cents
		FROM specialists
		WHERE id = $1
	`, id).Scan(&sp.ID, &sp.HourlyRateCents, &sp.PayoutRateCents, &sp.TravelReimbursementCents)
	if err != nil {
		return model.Specialist{}, err
	}
	return sp, nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (model.Plan, error) {
	var p model.Plan
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, monthly_price_cents, member_hourly_rate_cents, COALESCE(stripe_price_id, '')
		FROM membership_plans
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.MonthlyPriceCents, &p.MemberHourlyRateCents, &p.StripePriceID)
	if err != nil {
		return model.Plan{}, err
	}
	return p, nil
}

// ListTemplateIntervals returns the specialist's recurring open intervals
// for one weekday. Owned by the specialist; read-only here.
func (s *Store) ListTemplateIntervals(ctx context.Context, specialistID string, weekday time.Weekday) ([]model.TemplateInterval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT specialist_id, weekday, start_minute, end_minute
		FROM availability_templates
		WHERE specialist_id = $1 AND weekday = $2
		ORDER BY start_minute ASC
	`, specialistID, int(weekday))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intervals []model.TemplateInterval
	for rows.Next() {
		var ti model.TemplateInterval
		var wd int
		if err := rows.Scan(&ti.SpecialistID, &wd, &ti.StartMinute, &ti.EndMinute); err != nil {
			return nil, err
		}
		ti.Weekday = time.Weekday(wd)
		intervals = append(intervals, ti)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return intervals, nil
}
