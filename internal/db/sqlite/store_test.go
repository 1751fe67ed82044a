package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"shiftbot/internal/db/models"
	"shiftbot/internal/shift"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newShift(user string, start time.Time) *models.Shift {
	return &models.Shift{
		ID:        uuid.New(),
		UserID:    user,
		GuildID:   "g1",
		Type:      "Patrol",
		StartTime: start,
		Breaks:    []models.Break{},
		Events:    map[string]int64{},
		CreatedAt: start,
	}
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestShiftRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	sh := newShift("u1", t0)
	require.NoError(t, s.CreateShift(ctx, sh))
	assert.Equal(t, int64(1), sh.Version)

	breakEnd := t0.Add(30 * time.Minute)
	sh.Breaks = []models.Break{{Start: t0.Add(15 * time.Minute), End: &breakEnd}, {Start: t0.Add(time.Hour)}}
	sh.Events["arrests"] = 2
	sh.OnDutyMod = -90 * time.Second
	require.NoError(t, s.SaveShift(ctx, sh))
	assert.Equal(t, int64(2), sh.Version)

	got, err := s.GetShift(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, sh.Version, got.Version)
	assert.True(t, got.StartTime.Equal(t0))
	assert.Nil(t, got.EndTime)
	require.Len(t, got.Breaks, 2)
	assert.True(t, got.Breaks[0].End.Equal(breakEnd))
	assert.Nil(t, got.Breaks[1].End)
	assert.Equal(t, int64(2), got.Events["arrests"])
	assert.Equal(t, -90*time.Second, got.OnDutyMod)
}

func TestGetShiftNotFound(t *testing.T) {
	_, err := newStore(t).GetShift(context.Background(), uuid.New())
	assert.ErrorIs(t, err, shift.ErrNotFound)
}

func TestGetActiveShift(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	got, err := s.GetActiveShift(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Nil(t, got)

	ended := newShift("u1", t0)
	end := t0.Add(time.Hour)
	ended.EndTime = &end
	require.NoError(t, s.CreateShift(ctx, ended))

	active := newShift("u1", t0.Add(2*time.Hour))
	require.NoError(t, s.CreateShift(ctx, active))

	got, err = s.GetActiveShift(ctx, "u1", "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, active.ID, got.ID)
}

func TestSecondActiveShiftIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateShift(ctx, newShift("u1", t0)))
	err := s.CreateShift(ctx, newShift("u1", t0.Add(time.Minute)))
	assert.ErrorIs(t, err, shift.ErrActiveExists)

	// Ended shifts never collide.
	ended := newShift("u1", t0)
	end := t0.Add(time.Hour)
	ended.EndTime = &end
	require.NoError(t, s.CreateShift(ctx, ended))
}

func TestOptimisticWrites(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	sh := newShift("u1", t0)
	require.NoError(t, s.CreateShift(ctx, sh))

	stale := sh.Clone()
	require.NoError(t, s.SaveShift(ctx, sh))

	assert.ErrorIs(t, s.SaveShift(ctx, stale), shift.ErrVersionConflict)
	assert.ErrorIs(t, s.DeleteShift(ctx, sh.ID, stale.Version), shift.ErrVersionConflict)

	require.NoError(t, s.DeleteShift(ctx, sh.ID, sh.Version))
	assert.ErrorIs(t, s.DeleteShift(ctx, sh.ID, sh.Version), shift.ErrNotFound)
	assert.ErrorIs(t, s.SaveShift(ctx, sh), shift.ErrNotFound)
}

func TestListShiftsFilter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var all []*models.Shift
	for i, user := range []string{"u1", "u2", "u1", "u3"} {
		sh := newShift(user, t0.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			end := sh.StartTime.Add(30 * time.Minute)
			sh.EndTime = &end
		}
		if i == 3 {
			sh.Type = "Traffic"
		}
		require.NoError(t, s.CreateShift(ctx, sh))
		all = append(all, sh)
	}

	filters := map[string]shift.Filter{
		"guild":          {GuildID: "g1"},
		"user":           {GuildID: "g1", UserID: "u1"},
		"type":           {GuildID: "g1", Type: "Traffic"},
		"active":         {GuildID: "g1", Active: shift.Bool(true)},
		"ended":          {GuildID: "g1", Active: shift.Bool(false)},
		"started before": {GuildID: "g1", StartedBefore: t0.Add(2 * time.Hour)},
		"started after":  {GuildID: "g1", StartedAfter: t0.Add(2 * time.Hour)},
		"other guild":    {GuildID: "g2"},
	}
	for name, f := range filters {
		t.Run(name, func(t *testing.T) {
			got, err := s.ListShifts(ctx, f)
			require.NoError(t, err)

			var want []uuid.UUID
			for _, sh := range all {
				if f.Matches(sh) {
					want = append(want, sh.ID)
				}
			}
			var ids []uuid.UUID
			for _, sh := range got {
				ids = append(ids, sh.ID)
			}
			assert.Equal(t, want, ids)
		})
	}

	limited, err := s.ListShifts(ctx, shift.Filter{GuildID: "g1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteShiftsReturnsDeletedRows(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a := newShift("u1", t0)
	b := newShift("u2", t0)
	require.NoError(t, s.CreateShift(ctx, a))
	require.NoError(t, s.CreateShift(ctx, b))

	deleted, err := s.DeleteShifts(ctx, []uuid.UUID{a.ID, b.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	deleted, err = s.DeleteShifts(ctx, []uuid.UUID{a.ID})
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestProfileDeltas(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	p, err := s.GetProfile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.True(t, p.Totals.IsZero())
	assert.Empty(t, p.ShiftIDs)

	first, second := uuid.New(), uuid.New()
	require.NoError(t, s.ApplyProfileDelta(ctx, models.ProfileDelta{
		UserID: "u1", GuildID: "g1",
		Add: []models.Contribution{{ShiftID: first, Durations: models.Durations{OnDuty: time.Hour, OnBreak: 10 * time.Minute}}},
	}))
	require.NoError(t, s.ApplyProfileDelta(ctx, models.ProfileDelta{
		UserID: "u1", GuildID: "g1",
		Add: []models.Contribution{
			{ShiftID: second, Durations: models.Durations{OnDuty: 30 * time.Minute}},
			{ShiftID: first, Durations: models.Durations{OnDuty: time.Hour, OnBreak: 10 * time.Minute}},
		},
	}))

	p, err = s.GetProfile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, p.Totals.OnDuty)
	assert.Equal(t, 10*time.Minute, p.Totals.OnBreak)
	assert.Equal(t, []uuid.UUID{first, second}, p.ShiftIDs)

	removeFirst := models.ProfileDelta{
		UserID: "u1", GuildID: "g1",
		Remove: []models.Contribution{{ShiftID: first, Durations: models.Durations{OnDuty: time.Hour, OnBreak: 10 * time.Minute}}},
	}
	require.NoError(t, s.ApplyProfileDelta(ctx, removeFirst))
	require.NoError(t, s.ApplyProfileDelta(ctx, removeFirst))
	p, err = s.GetProfile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.Totals.OnDuty)
	assert.Zero(t, p.Totals.OnBreak)
	assert.Equal(t, []uuid.UUID{second}, p.ShiftIDs)

	profiles, err := s.ListProfiles(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "shifts.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateShift(context.Background(), newShift("u1", t0)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	shifts, err := s.ListShifts(context.Background(), shift.Filter{})
	require.NoError(t, err)
	assert.Len(t, shifts, 1)
}
