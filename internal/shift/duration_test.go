package shift

import (
	"math/rand"
	"testing"
	"time"

	"shiftbot/internal/db/models"

	"github.com/google/go-cmp/cmp"
)

func at(min int) time.Time {
	return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
}

func closed(start, end int) models.Break {
	e := at(end)
	return models.Break{Start: at(start), End: &e}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name   string
		bound  time.Time
		breaks []models.Break
		mod    time.Duration
		want   models.Durations
	}{
		{
			name:  "no breaks",
			bound: at(60),
			want:  models.Durations{OnDuty: time.Hour},
		},
		{
			name:   "closed break",
			bound:  at(60),
			breaks: []models.Break{closed(30, 45)},
			want:   models.Durations{OnDuty: 45 * time.Minute, OnBreak: 15 * time.Minute},
		},
		{
			name:   "open break runs to bound",
			bound:  at(60),
			breaks: []models.Break{{Start: at(40)}},
			want:   models.Durations{OnDuty: 40 * time.Minute, OnBreak: 20 * time.Minute},
		},
		{
			name:   "inverted break counts as zero",
			bound:  at(60),
			breaks: []models.Break{closed(45, 30)},
			want:   models.Durations{OnDuty: time.Hour},
		},
		{
			name:   "break time capped at elapsed",
			bound:  at(30),
			breaks: []models.Break{closed(0, 20), closed(10, 40)},
			want:   models.Durations{OnBreak: 30 * time.Minute},
		},
		{
			name:  "positive modifier",
			bound: at(60),
			mod:   30 * time.Minute,
			want:  models.Durations{OnDuty: 90 * time.Minute},
		},
		{
			name:  "negative modifier floors at zero",
			bound: at(60),
			mod:   -2 * time.Hour,
			want:  models.Durations{},
		},
		{
			name:  "bound before start",
			bound: at(-10),
			want:  models.Durations{},
		},
		{
			name:  "imported shift",
			bound: at(0),
			mod:   150 * time.Minute,
			want:  models.Durations{OnDuty: 150 * time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(at(0), tt.bound, tt.breaks, tt.mod)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Calculate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCalculateSplitsElapsedTime(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		elapsed := rng.Intn(600)
		var breaks []models.Break
		cursor := 0
		for cursor < elapsed && rng.Intn(3) > 0 {
			start := cursor + rng.Intn(elapsed-cursor+1)
			end := start + rng.Intn(60)
			if end > elapsed {
				end = elapsed
			}
			breaks = append(breaks, closed(start, end))
			cursor = end + 1
		}
		if rng.Intn(4) == 0 && cursor < elapsed {
			breaks = append(breaks, models.Break{Start: at(cursor)})
		}

		d := Calculate(at(0), at(elapsed), breaks, 0)
		if d.Total() != time.Duration(elapsed)*time.Minute {
			t.Fatalf("case %d: on duty %v + on break %v != elapsed %dm", i, d.OnDuty, d.OnBreak, elapsed)
		}
		if d.OnDuty < 0 || d.OnBreak < 0 {
			t.Fatalf("case %d: negative durations %+v", i, d)
		}
	}
}

func TestDurationsAtUsesEndTime(t *testing.T) {
	end := at(60)
	s := &models.Shift{StartTime: at(0), EndTime: &end}
	if got := DurationsAt(s, at(600)); got.OnDuty != time.Hour {
		t.Fatalf("ended shift measured to %v, want 1h", got.OnDuty)
	}

	s.EndTime = nil
	if got := DurationsAt(s, at(90)); got.OnDuty != 90*time.Minute {
		t.Fatalf("active shift measured to %v, want 1h30m", got.OnDuty)
	}
}
