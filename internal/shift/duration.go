package shift

import (
	"time"

	"shiftbot/internal/db/models"
)

// Calculate is the single duration formula. bound is the frozen end time of an
// ended shift or "now" for an active one; open breaks are closed at bound.
//
//	on_break = min(Σ max((break.end ?? bound) − break.start, 0), elapsed)
//	on_duty  = max(elapsed − on_break + mod, 0)
func Calculate(start, bound time.Time, breaks []models.Break, mod time.Duration) models.Durations {
	elapsed := bound.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	var onBreak time.Duration
	for _, b := range breaks {
		end := bound
		if b.End != nil {
			end = *b.End
		}
		if d := end.Sub(b.Start); d > 0 {
			onBreak += d
		}
	}
	if onBreak > elapsed {
		onBreak = elapsed
	}

	onDuty := elapsed - onBreak + mod
	if onDuty < 0 {
		onDuty = 0
	}
	return models.Durations{OnDuty: onDuty, OnBreak: onBreak}
}

// DurationsAt computes the durations of s. Ended shifts are measured against
// their end time and ignore now.
func DurationsAt(s *models.Shift, now time.Time) models.Durations {
	bound := now
	if s.EndTime != nil {
		bound = *s.EndTime
	}
	return Calculate(s.StartTime, bound, s.Breaks, s.OnDutyMod)
}
