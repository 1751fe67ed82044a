package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestProfileDeltaApply(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	hour := Durations{OnDuty: time.Hour}
	half := Durations{OnDuty: 30 * time.Minute, OnBreak: 5 * time.Minute}

	tests := []struct {
		name      string
		ids       []uuid.UUID
		delta     ProfileDelta
		wantIDs   []uuid.UUID
		wantTotal Durations
	}{
		{
			name:      "add credits new shift",
			ids:       []uuid.UUID{a},
			delta:     ProfileDelta{Add: []Contribution{{ShiftID: b, Durations: hour}}},
			wantIDs:   []uuid.UUID{a, b},
			wantTotal: hour,
		},
		{
			name:      "add of listed shift is a no-op",
			ids:       []uuid.UUID{a},
			delta:     ProfileDelta{Add: []Contribution{{ShiftID: a, Durations: hour}}},
			wantIDs:   []uuid.UUID{a},
			wantTotal: Durations{},
		},
		{
			name:      "remove subtracts listed shift",
			ids:       []uuid.UUID{a, b},
			delta:     ProfileDelta{Remove: []Contribution{{ShiftID: a, Durations: hour}}},
			wantIDs:   []uuid.UUID{b},
			wantTotal: hour.Neg(),
		},
		{
			name:      "remove of uncredited shift subtracts nothing",
			ids:       []uuid.UUID{a},
			delta:     ProfileDelta{Remove: []Contribution{{ShiftID: c, Durations: hour}}},
			wantIDs:   []uuid.UUID{a},
			wantTotal: Durations{},
		},
		{
			name: "group remove counts each shift once",
			ids:  []uuid.UUID{a, b},
			delta: ProfileDelta{Remove: []Contribution{
				{ShiftID: a, Durations: hour},
				{ShiftID: a, Durations: hour},
				{ShiftID: b, Durations: half},
				{ShiftID: c, Durations: half},
			}},
			wantIDs:   []uuid.UUID{},
			wantTotal: hour.Add(half).Neg(),
		},
		{
			name:      "adjust applies to listed shift only",
			ids:       []uuid.UUID{a},
			delta:     ProfileDelta{Adjust: []Contribution{{ShiftID: a, Durations: half}, {ShiftID: b, Durations: hour}}},
			wantIDs:   []uuid.UUID{a},
			wantTotal: half,
		},
		{
			name:      "duplicates in stored list collapse",
			ids:       []uuid.UUID{a, a, b},
			delta:     ProfileDelta{},
			wantIDs:   []uuid.UUID{a, b},
			wantTotal: Durations{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, total := tt.delta.Apply(tt.ids)
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantTotal, total)
		})
	}
}
