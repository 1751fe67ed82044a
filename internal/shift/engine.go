// Package shift implements the shift lifecycle and duration accounting engine:
// the single duration formula, shift transitions with optimistic concurrency,
// the active-shift liveness cache and the incremental profile rollup.
package shift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"shiftbot/internal/clock"
	"shiftbot/internal/db/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalid wraps input validation failures.
var ErrInvalid = errors.New("invalid shift request")

type Options struct {
	Clock         clock.Clock
	Cache         Cache
	Logger        *zap.Logger
	WipeBatchSize int
}

// Engine owns every transition of a shift and keeps the profile aggregate and
// the liveness cache in step with them.
type Engine struct {
	store     Store
	cache     Cache
	profiles  *ProfileUpdater
	clock     clock.Clock
	logger    *zap.Logger
	starts    keyedMutex
	batchSize int
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(5*time.Minute, opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WipeBatchSize <= 0 {
		opts.WipeBatchSize = 200
	}
	return &Engine{
		store:     store,
		cache:     opts.Cache,
		profiles:  NewProfileUpdater(store),
		clock:     opts.Clock,
		logger:    opts.Logger.Named("shift"),
		batchSize: opts.WipeBatchSize,
	}
}

// Now is the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Live returns the durations of s measured against the engine clock.
func (e *Engine) Live(s *models.Shift) models.Durations {
	return DurationsAt(s, e.clock.Now())
}

// Start opens a new shift. It fails with a ConflictError naming the existing
// type when the user already has an active shift in the guild, whatever its type.
func (e *Engine) Start(ctx context.Context, userID, guildID, shiftType string, at time.Time) (*models.Shift, error) {
	if userID == "" || guildID == "" {
		return nil, fmt.Errorf("%w: user and guild are required", ErrInvalid)
	}
	if strings.TrimSpace(shiftType) == "" {
		return nil, fmt.Errorf("%w: shift type is required", ErrInvalid)
	}

	unlock := e.starts.Lock(userID + "/" + guildID)
	defer unlock()

	existing, err := e.store.GetActiveShift(ctx, userID, guildID)
	if err != nil {
		return nil, fmt.Errorf("error checking active shift: %w", err)
	}
	if existing != nil {
		e.cache.MarkActive(existing.ID)
		return nil, &ConflictError{Kind: AlreadyActive, ShiftID: existing.ID, ExistingType: existing.Type}
	}

	s := &models.Shift{
		ID:        uuid.New(),
		UserID:    userID,
		GuildID:   guildID,
		Type:      shiftType,
		StartTime: at,
		Breaks:    []models.Break{},
		Events:    map[string]int64{},
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.CreateShift(ctx, s); err != nil {
		if errors.Is(err, ErrActiveExists) {
			// Started by another process between the check and the insert.
			if existing, lerr := e.store.GetActiveShift(ctx, userID, guildID); lerr == nil && existing != nil {
				e.cache.MarkActive(existing.ID)
				return nil, &ConflictError{Kind: AlreadyActive, ShiftID: existing.ID, ExistingType: existing.Type}
			}
			return nil, &ConflictError{Kind: AlreadyActive}
		}
		return nil, fmt.Errorf("error creating shift: %w", err)
	}
	e.cache.MarkActive(s.ID)

	e.logger.Info("shift started",
		zap.String("shift_id", s.ID.String()),
		zap.String("user_id", userID),
		zap.String("guild_id", guildID),
		zap.String("type", shiftType))
	return s, nil
}

// BreakStart opens a break at at.
func (e *Engine) BreakStart(ctx context.Context, id uuid.UUID, at time.Time) (*models.Shift, error) {
	_, s, err := e.mutate(ctx, id, func(s *models.Shift) error {
		if !s.Active() {
			return &ConflictError{Kind: AlreadyEnded, ShiftID: s.ID}
		}
		if s.OpenBreak() >= 0 {
			return &ConflictError{Kind: BreakAlreadyOpen, ShiftID: s.ID}
		}
		start := latest(at, s.StartTime)
		if n := len(s.Breaks); n > 0 && s.Breaks[n-1].End != nil {
			start = latest(start, *s.Breaks[n-1].End)
		}
		s.Breaks = append(s.Breaks, models.Break{Start: start})
		return nil
	})
	if err != nil {
		return nil, e.afterFailure(id, err)
	}
	e.logger.Info("break started", zap.String("shift_id", id.String()))
	return s, nil
}

// BreakEnd closes the open break at at.
func (e *Engine) BreakEnd(ctx context.Context, id uuid.UUID, at time.Time) (*models.Shift, error) {
	_, s, err := e.mutate(ctx, id, func(s *models.Shift) error {
		if !s.Active() {
			return &ConflictError{Kind: AlreadyEnded, ShiftID: s.ID}
		}
		i := s.OpenBreak()
		if i < 0 {
			return &ConflictError{Kind: NoOpenBreak, ShiftID: s.ID}
		}
		end := latest(at, s.Breaks[i].Start)
		s.Breaks[i].End = &end
		return nil
	})
	if err != nil {
		return nil, e.afterFailure(id, err)
	}
	e.logger.Info("break ended", zap.String("shift_id", id.String()))
	return s, nil
}

// End freezes the shift at at, closing a dangling break first. The profile is
// credited and the cache entry evicted before End returns. A shift whose
// credit could not be written stays uncredited until Reconcile runs.
func (e *Engine) End(ctx context.Context, id uuid.UUID, at time.Time) (*models.Shift, error) {
	_, s, err := e.mutate(ctx, id, func(s *models.Shift) error {
		if !s.Active() {
			return &ConflictError{Kind: AlreadyEnded, ShiftID: s.ID}
		}
		end := latest(at, s.StartTime)
		if i := s.OpenBreak(); i >= 0 {
			breakEnd := latest(end, s.Breaks[i].Start)
			s.Breaks[i].End = &breakEnd
		}
		s.EndTime = &end
		return nil
	})
	if err != nil {
		return nil, e.afterFailure(id, err)
	}

	perr := e.contribute(ctx, s)
	e.cache.Evict(id)
	if perr != nil {
		e.logger.Error("shift ended but profile update failed",
			zap.String("shift_id", id.String()),
			zap.Error(perr))
		return s, fmt.Errorf("shift %s ended but profile was not updated: %w", id, perr)
	}

	d := DurationsAt(s, time.Time{})
	e.logger.Info("shift ended",
		zap.String("shift_id", id.String()),
		zap.String("user_id", s.UserID),
		zap.Duration("on_duty", d.OnDuty),
		zap.Duration("on_break", d.OnBreak))
	return s, nil
}

// contribute credits an ended shift, retrying the write once. A void or wipe
// that deleted the shift before the credit landed could not remove it, so
// the credit is taken back here.
func (e *Engine) contribute(ctx context.Context, s *models.Shift) error {
	err := e.profiles.Contribute(ctx, s)
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("profile update failed, retrying",
			zap.String("shift_id", s.ID.String()),
			zap.Error(err))
		err = e.profiles.Contribute(ctx, s)
	}
	if err != nil {
		return err
	}

	if _, gerr := e.store.GetShift(ctx, s.ID); errors.Is(gerr, ErrNotFound) {
		e.logger.Info("shift deleted while ending, reversing credit", zap.String("shift_id", s.ID.String()))
		return e.profiles.Reverse(ctx, s)
	}
	return nil
}

// RecordEvent adds delta to a named event counter of an active shift.
// Counters never go below zero.
func (e *Engine) RecordEvent(ctx context.Context, id uuid.UUID, name string, delta int64) (*models.Shift, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("%w: event name is required", ErrInvalid)
	}
	_, s, err := e.mutate(ctx, id, func(s *models.Shift) error {
		if !s.Active() {
			return &ConflictError{Kind: AlreadyEnded, ShiftID: s.ID}
		}
		v := s.Events[name] + delta
		if v < 0 {
			v = 0
		}
		s.Events[name] = v
		return nil
	})
	if err != nil {
		return nil, e.afterFailure(id, err)
	}
	return s, nil
}

// AdjustTime adds a signed correction to the shift's on-duty modifier. For an
// ended shift the profile moves by the resulting change in on-duty time.
func (e *Engine) AdjustTime(ctx context.Context, id uuid.UUID, delta time.Duration) (*models.Shift, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalid)
	}
	before, after, err := e.mutate(ctx, id, func(s *models.Shift) error {
		s.OnDutyMod += delta
		return nil
	})
	if err != nil {
		return nil, e.afterFailure(id, err)
	}
	if err := e.profiles.Adjust(ctx, before, after); err != nil {
		e.logger.Error("shift adjusted but profile update failed",
			zap.String("shift_id", id.String()),
			zap.Error(err))
		return after, fmt.Errorf("shift %s adjusted but profile was not updated: %w", id, err)
	}
	e.logger.Info("shift adjusted",
		zap.String("shift_id", id.String()),
		zap.Duration("delta", delta))
	return after, nil
}

// Void deletes a shift and takes back its profile credit. A shift the profile
// never listed, active or ended, leaves the profile unchanged.
func (e *Engine) Void(ctx context.Context, id uuid.UUID) (*models.Shift, error) {
	for attempt := 0; ; attempt++ {
		s, err := e.store.GetShift(ctx, id)
		if err != nil {
			return nil, e.afterFailure(id, err)
		}

		err = e.store.DeleteShift(ctx, id, s.Version)
		if errors.Is(err, ErrVersionConflict) {
			if attempt == 0 {
				continue
			}
			return nil, &StaleResourceError{Reason: ReasonStateChanged, ShiftID: id}
		}
		if err != nil {
			return nil, e.afterFailure(id, err)
		}

		perr := e.profiles.Reverse(ctx, s)
		e.cache.Evict(id)
		if perr != nil {
			e.logger.Error("shift voided but profile update failed",
				zap.String("shift_id", id.String()),
				zap.Error(perr))
			return s, fmt.Errorf("shift %s voided but profile was not updated: %w", id, perr)
		}
		e.logger.Info("shift voided",
			zap.String("shift_id", id.String()),
			zap.Bool("was_active", s.Active()))
		return s, nil
	}
}

// Get loads a shift by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Shift, error) {
	return e.store.GetShift(ctx, id)
}

// Current returns the user's active shift in the guild, or nil.
func (e *Engine) Current(ctx context.Context, userID, guildID string) (*models.Shift, error) {
	s, err := e.store.GetActiveShift(ctx, userID, guildID)
	if err != nil {
		return nil, err
	}
	if s != nil {
		e.cache.MarkActive(s.ID)
	}
	return s, nil
}

// IsActive answers from the cache when it knows the shift is live and from
// the store otherwise.
func (e *Engine) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	if active, ok := e.cache.Active(id); ok && active {
		return true, nil
	}
	s, err := e.store.GetShift(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !s.Active() {
		return false, nil
	}
	e.cache.MarkActive(id)
	return true, nil
}

// Active lists the guild's active shifts, oldest first.
func (e *Engine) Active(ctx context.Context, guildID string) ([]*models.Shift, error) {
	shifts, err := e.store.ListShifts(ctx, Filter{GuildID: guildID, Active: Bool(true)})
	if err != nil {
		return nil, err
	}
	for _, s := range shifts {
		e.cache.MarkActive(s.ID)
	}
	return shifts, nil
}

// Shifts lists the shifts matching f.
func (e *Engine) Shifts(ctx context.Context, f Filter) ([]*models.Shift, error) {
	return e.store.ListShifts(ctx, f)
}

func (e *Engine) Profile(ctx context.Context, userID, guildID string) (*models.Profile, error) {
	return e.store.GetProfile(ctx, userID, guildID)
}

// Leaderboard returns the guild's profiles ordered by on-duty time, longest first.
func (e *Engine) Leaderboard(ctx context.Context, guildID string) ([]*models.Profile, error) {
	profiles, err := e.store.ListProfiles(ctx, guildID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].Totals.OnDuty != profiles[j].Totals.OnDuty {
			return profiles[i].Totals.OnDuty > profiles[j].Totals.OnDuty
		}
		return profiles[i].UserID < profiles[j].UserID
	})
	return profiles, nil
}

// mutate runs a read-modify-save cycle, retrying once against a fresh read
// when the save loses an optimistic version race.
func (e *Engine) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Shift) error) (before, after *models.Shift, err error) {
	for attempt := 0; ; attempt++ {
		current, err := e.store.GetShift(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return current, nil, err
		}

		err = e.store.SaveShift(ctx, next)
		if err == nil {
			return current, next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, nil, fmt.Errorf("error saving shift %s: %w", id, err)
		}
		if attempt > 0 {
			return nil, nil, &StaleResourceError{Reason: ReasonStateChanged, ShiftID: id}
		}
		e.logger.Debug("retrying shift update after version conflict", zap.String("shift_id", id.String()))
	}
}

// afterFailure drops the cache entry when the failure proves the shift is no
// longer active.
func (e *Engine) afterFailure(id uuid.UUID, err error) error {
	if errors.Is(err, ErrNotFound) || IsConflict(err, AlreadyEnded) {
		e.cache.Evict(id)
	}
	return err
}

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}
