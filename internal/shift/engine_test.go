package shift_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shiftbot/internal/clock"
	"shiftbot/internal/db/models"
	"shiftbot/internal/db/sqlite"
	"shiftbot/internal/shift"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine *shift.Engine
	store  shift.Store
	cache  *shift.MemoryCache
	clock  *clock.Fake
}

func newFixture(t *testing.T, wrap ...func(shift.Store) shift.Store) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var store shift.Store = db
	for _, w := range wrap {
		store = w(store)
	}
	clk := clock.NewFake(t0)
	cache := shift.NewMemoryCache(time.Minute, clk)
	engine := shift.NewEngine(store, shift.Options{
		Clock:         clk,
		Cache:         cache,
		Logger:        zaptest.NewLogger(t),
		WipeBatchSize: 2,
	})
	return &fixture{engine: engine, store: store, cache: cache, clock: clk}
}

func (f *fixture) endedShift(t *testing.T, user string, length time.Duration) *models.Shift {
	t.Helper()
	ctx := context.Background()
	s, err := f.engine.Start(ctx, user, "g1", "Patrol", f.clock.Now())
	require.NoError(t, err)
	f.clock.Advance(length)
	s, err = f.engine.End(ctx, s.ID, f.clock.Now())
	require.NoError(t, err)
	return s
}

func TestPatrolShift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)
	assert.True(t, s.Active())

	_, err = f.engine.BreakStart(ctx, s.ID, t0.Add(30*time.Minute))
	require.NoError(t, err)
	mid, err := f.engine.BreakEnd(ctx, s.ID, t0.Add(45*time.Minute))
	require.NoError(t, err)
	assert.False(t, mid.OnBreak())

	ended, err := f.engine.End(ctx, s.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	d := shift.DurationsAt(ended, t0.Add(48*time.Hour))
	assert.Equal(t, 45*time.Minute, d.OnDuty)
	assert.Equal(t, 15*time.Minute, d.OnBreak)

	p, err := f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, p.Totals.OnDuty)
	assert.Equal(t, 15*time.Minute, p.Totals.OnBreak)
	assert.Equal(t, []uuid.UUID{s.ID}, p.ShiftIDs)
}

func TestStartRejectsSecondShift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)

	_, err = f.engine.Start(ctx, "u1", "g1", "Traffic", t0.Add(time.Minute))
	var ce *shift.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, shift.AlreadyActive, ce.Kind)
	assert.Equal(t, "Patrol", ce.ExistingType)
	assert.Equal(t, first.ID, ce.ShiftID)

	// Other guilds are independent.
	_, err = f.engine.Start(ctx, "u1", "g2", "Patrol", t0)
	assert.NoError(t, err)
}

func TestConcurrentStartsCreateOneShift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
			switch {
			case err == nil:
				succeeded.Add(1)
			case shift.IsConflict(err, shift.AlreadyActive):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Start(context.Background(), "", "g1", "Patrol", t0)
	assert.ErrorIs(t, err, shift.ErrInvalid)
	_, err = f.engine.Start(context.Background(), "u1", "g1", "  ", t0)
	assert.ErrorIs(t, err, shift.ErrInvalid)
}

func TestBreakConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)

	_, err = f.engine.BreakEnd(ctx, s.ID, t0)
	assert.True(t, shift.IsConflict(err, shift.NoOpenBreak))

	_, err = f.engine.BreakStart(ctx, s.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = f.engine.BreakStart(ctx, s.ID, t0.Add(2*time.Minute))
	assert.True(t, shift.IsConflict(err, shift.BreakAlreadyOpen))

	_, err = f.engine.End(ctx, s.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.engine.BreakStart(ctx, s.ID, t0.Add(2*time.Hour))
	assert.True(t, shift.IsConflict(err, shift.AlreadyEnded))
	_, err = f.engine.End(ctx, s.ID, t0.Add(2*time.Hour))
	assert.True(t, shift.IsConflict(err, shift.AlreadyEnded))

	_, err = f.engine.BreakStart(ctx, uuid.New(), t0)
	assert.ErrorIs(t, err, shift.ErrNotFound)
}

func TestBreakTimesAreClamped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)

	s, err = f.engine.BreakStart(ctx, s.ID, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, s.Breaks[0].Start.Equal(t0))

	s, err = f.engine.BreakEnd(ctx, s.ID, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, s.Breaks[0].End.Equal(t0))
}

func TestEndClosesOpenBreak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)
	_, err = f.engine.BreakStart(ctx, s.ID, t0.Add(40*time.Minute))
	require.NoError(t, err)

	ended, err := f.engine.End(ctx, s.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ended.Breaks, 1)
	require.NotNil(t, ended.Breaks[0].End)
	assert.True(t, ended.Breaks[0].End.Equal(t0.Add(time.Hour)))

	d := shift.DurationsAt(ended, time.Time{})
	assert.Equal(t, 40*time.Minute, d.OnDuty)
	assert.Equal(t, 20*time.Minute, d.OnBreak)
}

func TestCacheFollowsLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)
	active, ok := f.cache.Active(s.ID)
	assert.True(t, ok && active)

	_, err = f.engine.End(ctx, s.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	_, ok = f.cache.Active(s.ID)
	assert.False(t, ok)

	live, err := f.engine.IsActive(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, live)
}

func TestIsActiveFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)

	f.cache.Evict(s.ID)
	live, err := f.engine.IsActive(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, 1, f.cache.Len())

	live, err = f.engine.IsActive(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, live)
}

func TestVoid(t *testing.T) {
	ctx := context.Background()

	t.Run("active shift leaves profile alone", func(t *testing.T) {
		f := newFixture(t)
		kept := f.endedShift(t, "u1", time.Hour)

		s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", f.clock.Now())
		require.NoError(t, err)
		_, err = f.engine.Void(ctx, s.ID)
		require.NoError(t, err)

		p, err := f.engine.Profile(ctx, "u1", "g1")
		require.NoError(t, err)
		assert.Equal(t, time.Hour, p.Totals.OnDuty)
		assert.Equal(t, []uuid.UUID{kept.ID}, p.ShiftIDs)

		_, ok := f.cache.Active(s.ID)
		assert.False(t, ok)
	})

	t.Run("ended shift is subtracted", func(t *testing.T) {
		f := newFixture(t)
		f.endedShift(t, "u1", time.Hour)
		voided := f.endedShift(t, "u1", 30*time.Minute)

		_, err := f.engine.Void(ctx, voided.ID)
		require.NoError(t, err)

		p, err := f.engine.Profile(ctx, "u1", "g1")
		require.NoError(t, err)
		assert.Equal(t, time.Hour, p.Totals.OnDuty)
		assert.NotContains(t, p.ShiftIDs, voided.ID)

		_, err = f.engine.Get(ctx, voided.ID)
		assert.ErrorIs(t, err, shift.ErrNotFound)
	})

	t.Run("unknown shift", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Void(ctx, uuid.New())
		assert.ErrorIs(t, err, shift.ErrNotFound)
	})
}

func TestRecordEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)

	_, err = f.engine.RecordEvent(ctx, s.ID, "Arrests", 2)
	require.NoError(t, err)
	s, err = f.engine.RecordEvent(ctx, s.ID, "arrests", -5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Events["arrests"])

	_, err = f.engine.RecordEvent(ctx, s.ID, " ", 1)
	assert.ErrorIs(t, err, shift.ErrInvalid)

	_, err = f.engine.End(ctx, s.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.engine.RecordEvent(ctx, s.ID, "arrests", 1)
	assert.True(t, shift.IsConflict(err, shift.AlreadyEnded))
}

func TestAdjustTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ended := f.endedShift(t, "u1", time.Hour)
	_, err := f.engine.AdjustTime(ctx, ended.ID, 15*time.Minute)
	require.NoError(t, err)

	p, err := f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 75*time.Minute, p.Totals.OnDuty)

	// Clamped at zero: the profile moves by the visible change only.
	_, err = f.engine.AdjustTime(ctx, ended.ID, -3*time.Hour)
	require.NoError(t, err)
	p, err = f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), p.Totals.OnDuty)

	active, err := f.engine.Start(ctx, "u1", "g1", "Patrol", f.clock.Now())
	require.NoError(t, err)
	after, err := f.engine.AdjustTime(ctx, active.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, after.OnDutyMod)
	p, err = f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), p.Totals.OnDuty)

	_, err = f.engine.AdjustTime(ctx, active.ID, 0)
	assert.ErrorIs(t, err, shift.ErrInvalid)
}

// countingStore counts profile writes.
type countingStore struct {
	shift.Store
	deltas atomic.Int32
}

func (s *countingStore) ApplyProfileDelta(ctx context.Context, d models.ProfileDelta) error {
	s.deltas.Add(1)
	return s.Store.ApplyProfileDelta(ctx, d)
}

func TestWipeAllIssuesOneDeltaPerProfile(t *testing.T) {
	ctx := context.Background()
	counter := &countingStore{}
	f := newFixture(t, func(s shift.Store) shift.Store {
		counter.Store = s
		return counter
	})

	for _, user := range []string{"u1", "u2"} {
		for i := 0; i < 3; i++ {
			f.endedShift(t, user, time.Hour)
		}
	}
	active, err := f.engine.Start(ctx, "u3", "g1", "Patrol", f.clock.Now())
	require.NoError(t, err)

	counter.deltas.Store(0)
	result, err := f.engine.WipeAll(ctx, shift.Filter{GuildID: "g1"})
	require.NoError(t, err)

	assert.Equal(t, 7, result.Matched)
	assert.Equal(t, 7, result.Deleted)
	assert.Equal(t, 2, result.ProfilesUpdated)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int32(2), counter.deltas.Load())

	for _, user := range []string{"u1", "u2"} {
		p, err := f.engine.Profile(ctx, user, "g1")
		require.NoError(t, err)
		assert.True(t, p.Totals.IsZero(), user)
		assert.Empty(t, p.ShiftIDs, user)
	}
	_, ok := f.cache.Active(active.ID)
	assert.False(t, ok)

	_, err = f.engine.WipeAll(ctx, shift.Filter{})
	assert.ErrorIs(t, err, shift.ErrInvalid)
}

func TestWipeAllByUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.endedShift(t, "u1", time.Hour)
	f.endedShift(t, "u2", 2*time.Hour)

	result, err := f.engine.WipeAll(ctx, shift.Filter{GuildID: "g1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	p, err := f.engine.Profile(ctx, "u2", "g1")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, p.Totals.OnDuty)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Import(ctx, shift.ImportRecord{
		UserID:  "u1",
		GuildID: "g1",
		Type:    "Patrol",
		OnDuty:  2*time.Hour + 30*time.Minute,
	})
	require.NoError(t, err)
	assert.False(t, s.Active())
	assert.True(t, s.StartTime.Equal(*s.EndTime))

	p, err := f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(9_000_000), p.Totals.OnDuty.Milliseconds())
	assert.Equal(t, time.Duration(0), p.Totals.OnBreak)

	_, err = f.engine.Void(ctx, s.ID)
	require.NoError(t, err)
	p, err = f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.True(t, p.Totals.IsZero())
}

// failingProfiles fails every profile write.
type failingProfiles struct {
	shift.Store
}

func (failingProfiles) ApplyProfileDelta(context.Context, models.ProfileDelta) error {
	return errors.New("profile store down")
}

func TestImportRemovesUncreditedShift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s shift.Store) shift.Store { return failingProfiles{s} })

	_, err := f.engine.Import(ctx, shift.ImportRecord{UserID: "u1", GuildID: "g1", Type: "Patrol", OnDuty: time.Hour})
	require.Error(t, err)

	shifts, err := f.store.ListShifts(ctx, shift.Filter{GuildID: "g1"})
	require.NoError(t, err)
	assert.Empty(t, shifts)
}

func TestEndReportsProfileFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s shift.Store) shift.Store { return failingProfiles{s} })

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)
	ended, err := f.engine.End(ctx, s.ID, t0.Add(time.Hour))
	require.Error(t, err)
	require.NotNil(t, ended)
	assert.False(t, ended.Active())

	_, ok := f.cache.Active(s.ID)
	assert.False(t, ok)
}

func TestImportBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result := f.engine.ImportBatch(ctx, []shift.ImportRecord{
		{Row: 2, UserID: "u1", GuildID: "g1", Type: "Patrol", OnDuty: time.Hour},
		{Row: 3, UserID: "u2", GuildID: "g1", Type: "Patrol", OnDuty: 0},
		{Row: 4, UserID: "", GuildID: "g1", Type: "Patrol", OnDuty: time.Hour},
		{Row: 5, UserID: "u1", GuildID: "g1", Type: "Patrol", OnDuty: 30 * time.Minute},
	})

	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Rows, 4)
	assert.Equal(t, 4, result.Rows[2].Index)
	assert.ErrorIs(t, result.Rows[2].Err, shift.ErrInvalid)
	assert.True(t, result.Rows[1].Skipped)

	p, err := f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, p.Totals.OnDuty)
	assert.Len(t, p.ShiftIDs, 2)
}

// conflictingStore fails the next n saves with ErrVersionConflict.
type conflictingStore struct {
	shift.Store
	n atomic.Int32
}

func (s *conflictingStore) SaveShift(ctx context.Context, sh *models.Shift) error {
	if s.n.Add(-1) >= 0 {
		return shift.ErrVersionConflict
	}
	return s.Store.SaveShift(ctx, sh)
}

func TestVersionConflictRetry(t *testing.T) {
	ctx := context.Background()
	conflicts := &conflictingStore{}
	f := newFixture(t, func(s shift.Store) shift.Store {
		conflicts.Store = s
		return conflicts
	})

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)

	conflicts.n.Store(1)
	_, err = f.engine.BreakStart(ctx, s.ID, t0.Add(time.Minute))
	require.NoError(t, err, "one lost race is retried")

	conflicts.n.Store(2)
	_, err = f.engine.BreakEnd(ctx, s.ID, t0.Add(2*time.Minute))
	assert.True(t, shift.IsStale(err, shift.ReasonStateChanged))

	current, err := f.engine.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, current.OnBreak())
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.endedShift(t, "u1", time.Hour)
	f.endedShift(t, "u2", 3*time.Hour)
	f.endedShift(t, "u3", time.Hour)

	board, err := f.engine.Leaderboard(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, "u2", board[0].UserID)
	assert.Equal(t, "u1", board[1].UserID)
	assert.Equal(t, "u3", board[2].UserID)
}

func TestActiveAndCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.endedShift(t, "u1", time.Hour)
	s, err := f.engine.Start(ctx, "u2", "g1", "Patrol", f.clock.Now())
	require.NoError(t, err)

	active, err := f.engine.Active(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, s.ID, active[0].ID)

	cur, err := f.engine.Current(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Nil(t, cur)

	f.clock.Advance(10 * time.Minute)
	cur, err = f.engine.Current(ctx, "u2", "g1")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, 10*time.Minute, f.engine.Live(cur).OnDuty)
}

// racingStore hides the active shift from the next lookup, as if another
// process started it between the check and the insert.
type racingStore struct {
	shift.Store
	hide atomic.Bool
}

func (s *racingStore) GetActiveShift(ctx context.Context, userID, guildID string) (*models.Shift, error) {
	if s.hide.CompareAndSwap(true, false) {
		return nil, nil
	}
	return s.Store.GetActiveShift(ctx, userID, guildID)
}

func TestStartLosesRaceAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	racing := &racingStore{}
	f := newFixture(t, func(s shift.Store) shift.Store {
		racing.Store = s
		return racing
	})

	first, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)

	racing.hide.Store(true)
	_, err = f.engine.Start(ctx, "u1", "g1", "SWAT", t0.Add(time.Minute))
	var conflict *shift.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, shift.AlreadyActive, conflict.Kind)
	assert.Equal(t, first.ID, conflict.ShiftID)
	assert.Equal(t, "Patrol", conflict.ExistingType)
}

// flakyProfiles fails the next n profile writes.
type flakyProfiles struct {
	shift.Store
	n atomic.Int32
}

func (s *flakyProfiles) ApplyProfileDelta(ctx context.Context, d models.ProfileDelta) error {
	if s.n.Add(-1) >= 0 {
		return errors.New("profile store down")
	}
	return s.Store.ApplyProfileDelta(ctx, d)
}

func TestEndRetriesProfileWrite(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyProfiles{}
	f := newFixture(t, func(s shift.Store) shift.Store {
		flaky.Store = s
		return flaky
	})

	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", t0)
	require.NoError(t, err)
	flaky.n.Store(1)
	_, err = f.engine.End(ctx, s.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	p, err := f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.Totals.OnDuty)
	assert.Equal(t, []uuid.UUID{s.ID}, p.ShiftIDs)
}

func TestVoidOfUncreditedShiftKeepsProfile(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyProfiles{}
	f := newFixture(t, func(s shift.Store) shift.Store {
		flaky.Store = s
		return flaky
	})

	first := f.endedShift(t, "u1", 2*time.Hour)

	second, err := f.engine.Start(ctx, "u1", "g1", "Patrol", f.clock.Now())
	require.NoError(t, err)
	flaky.n.Store(2)
	ended, err := f.engine.End(ctx, second.ID, f.clock.Now().Add(time.Hour))
	require.Error(t, err)
	require.NotNil(t, ended)

	_, err = f.engine.Void(ctx, second.ID)
	require.NoError(t, err)

	p, err := f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, p.Totals.OnDuty)
	assert.Equal(t, []uuid.UUID{first.ID}, p.ShiftIDs)

	// A second void of the same shift is not found and changes nothing.
	_, err = f.engine.Void(ctx, first.ID)
	require.NoError(t, err)
	_, err = f.engine.Void(ctx, first.ID)
	assert.ErrorIs(t, err, shift.ErrNotFound)
	p, err = f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.True(t, p.Totals.IsZero())
}

func TestReconcileCreditsMissedShifts(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyProfiles{}
	f := newFixture(t, func(s shift.Store) shift.Store {
		flaky.Store = s
		return flaky
	})

	f.endedShift(t, "u1", time.Hour)
	missed, err := f.engine.Start(ctx, "u1", "g1", "Patrol", f.clock.Now())
	require.NoError(t, err)
	flaky.n.Store(2)
	_, err = f.engine.End(ctx, missed.ID, f.clock.Now().Add(30*time.Minute))
	require.Error(t, err)
	f.endedShift(t, "u2", time.Hour)
	_, err = f.engine.Start(ctx, "u2", "g1", "Patrol", f.clock.Now())
	require.NoError(t, err)

	result, err := f.engine.Reconcile(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Checked)
	assert.Equal(t, 1, result.Credited)
	assert.Empty(t, result.Errors)

	p, err := f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, p.Totals.OnDuty)
	assert.Len(t, p.ShiftIDs, 2)
	assert.Contains(t, p.ShiftIDs, missed.ID)

	p, err = f.engine.Profile(ctx, "u2", "g1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.Totals.OnDuty)

	again, err := f.engine.Reconcile(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Checked)
	assert.Zero(t, again.Credited)

	_, err = f.engine.Reconcile(ctx, "", "")
	assert.ErrorIs(t, err, shift.ErrInvalid)
}

// voidingStore deletes a shift right before its credit is written, as if a
// concurrent void had already run its no-op reversal.
type voidingStore struct {
	shift.Store
	target atomic.Value
}

func (s *voidingStore) ApplyProfileDelta(ctx context.Context, d models.ProfileDelta) error {
	if id, ok := s.target.Load().(uuid.UUID); ok && len(d.Add) == 1 && d.Add[0].ShiftID == id {
		s.target.Store(uuid.Nil)
		if _, err := s.Store.DeleteShifts(ctx, []uuid.UUID{id}); err != nil {
			return err
		}
	}
	return s.Store.ApplyProfileDelta(ctx, d)
}

func TestEndTakesBackCreditOfDeletedShift(t *testing.T) {
	ctx := context.Background()
	voiding := &voidingStore{}
	f := newFixture(t, func(s shift.Store) shift.Store {
		voiding.Store = s
		return voiding
	})

	kept := f.endedShift(t, "u1", time.Hour)
	s, err := f.engine.Start(ctx, "u1", "g1", "Patrol", f.clock.Now())
	require.NoError(t, err)
	voiding.target.Store(s.ID)
	_, err = f.engine.End(ctx, s.ID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	p, err := f.engine.Profile(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.Totals.OnDuty)
	assert.Equal(t, []uuid.UUID{kept.ID}, p.ShiftIDs)
}

// failingBatch fails the DeleteShifts call with the given index.
type failingBatch struct {
	shift.Store
	calls atomic.Int32
	fail  int32
}

func (s *failingBatch) DeleteShifts(ctx context.Context, ids []uuid.UUID) ([]*models.Shift, error) {
	if s.calls.Add(1)-1 == s.fail {
		return nil, errors.New("batch timed out")
	}
	return s.Store.DeleteShifts(ctx, ids)
}

func TestWipeAllReportsFailedBatch(t *testing.T) {
	ctx := context.Background()
	batches := &failingBatch{fail: 1}
	f := newFixture(t, func(s shift.Store) shift.Store {
		batches.Store = s
		return batches
	})

	f.endedShift(t, "u1", time.Hour)
	f.endedShift(t, "u1", time.Hour)
	u2a := f.endedShift(t, "u2", 90*time.Minute)
	u2b := f.endedShift(t, "u2", 90*time.Minute)
	f.endedShift(t, "u3", time.Hour)

	result, err := f.engine.WipeAll(ctx, shift.Filter{GuildID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Matched)
	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 2, result.ProfilesUpdated)
	assert.Zero(t, result.ProfilesFailed)
	require.Len(t, result.Errors, 1)
	assert.ErrorContains(t, result.Errors[0], "batch 1")

	for _, user := range []string{"u1", "u3"} {
		p, err := f.engine.Profile(ctx, user, "g1")
		require.NoError(t, err)
		assert.True(t, p.Totals.IsZero(), user)
		assert.Empty(t, p.ShiftIDs, user)
	}
	p, err := f.engine.Profile(ctx, "u2", "g1")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, p.Totals.OnDuty)
	assert.ElementsMatch(t, []uuid.UUID{u2a.ID, u2b.ID}, p.ShiftIDs)

	left, err := f.store.ListShifts(ctx, shift.Filter{GuildID: "g1"})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}
