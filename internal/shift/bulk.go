package shift

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"shiftbot/internal/db/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WipeResult reports a partially completed WipeAll. Skipped counts matched
// shifts that were already gone by the time their batch was deleted.
type WipeResult struct {
	Matched         int
	Deleted         int
	Skipped         int
	Failed          int
	ProfilesUpdated int
	ProfilesFailed  int
	Errors          []error
}

type profileKey struct {
	userID  string
	guildID string
}

// WipeAll deletes every shift matching f in batches. Profiles are corrected
// once per (user, guild), removing the deleted ended shifts the profile
// lists. It is not transactional: the result says what happened.
func (e *Engine) WipeAll(ctx context.Context, f Filter) (WipeResult, error) {
	var result WipeResult
	if f.GuildID == "" {
		return result, fmt.Errorf("%w: wipe requires a guild", ErrInvalid)
	}

	shifts, err := e.store.ListShifts(ctx, f)
	if err != nil {
		return result, fmt.Errorf("error listing shifts to wipe: %w", err)
	}
	result.Matched = len(shifts)

	groups := make(map[profileKey][]*models.Shift)
	for start := 0; start < len(shifts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(shifts) {
			end = len(shifts)
		}
		ids := make([]uuid.UUID, 0, end-start)
		for _, s := range shifts[start:end] {
			ids = append(ids, s.ID)
		}

		deleted, err := e.store.DeleteShifts(ctx, ids)
		if err != nil {
			result.Failed += len(ids)
			result.Errors = append(result.Errors, fmt.Errorf("batch %d: %w", start/e.batchSize, err))
			continue
		}
		result.Deleted += len(deleted)
		result.Skipped += len(ids) - len(deleted)

		// Group by the deleted rows themselves, not the listing: a shift may
		// have ended between the two reads.
		for _, s := range deleted {
			e.cache.Evict(s.ID)
			if s.Active() {
				continue
			}
			k := profileKey{userID: s.UserID, guildID: s.GuildID}
			groups[k] = append(groups[k], s)
		}
	}

	keys := make([]profileKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].guildID != keys[j].guildID {
			return keys[i].guildID < keys[j].guildID
		}
		return keys[i].userID < keys[j].userID
	})
	for _, k := range keys {
		if err := e.profiles.ReverseGroup(ctx, k.userID, k.guildID, groups[k]); err != nil {
			result.ProfilesFailed++
			result.Errors = append(result.Errors, fmt.Errorf("profile %s/%s: %w", k.guildID, k.userID, err))
			continue
		}
		result.ProfilesUpdated++
	}

	e.logger.Info("shifts wiped",
		zap.String("guild_id", f.GuildID),
		zap.Int("matched", result.Matched),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed),
		zap.Int("profiles", result.ProfilesUpdated))
	return result, nil
}

// ReconcileResult reports a Reconcile run. Credited counts ended shifts that
// were missing from their owner's profile.
type ReconcileResult struct {
	Checked        int
	Credited       int
	ProfilesFailed int
	Errors         []error
}

// Reconcile credits every ended shift in the guild, or of one user when
// userID is set, that its profile does not list. It repairs profiles left
// behind by an End whose profile write failed.
func (e *Engine) Reconcile(ctx context.Context, guildID, userID string) (ReconcileResult, error) {
	var result ReconcileResult
	if guildID == "" {
		return result, fmt.Errorf("%w: reconcile requires a guild", ErrInvalid)
	}
	shifts, err := e.store.ListShifts(ctx, Filter{GuildID: guildID, UserID: userID, Active: Bool(false)})
	if err != nil {
		return result, fmt.Errorf("error listing shifts to reconcile: %w", err)
	}
	result.Checked = len(shifts)

	groups := make(map[profileKey][]*models.Shift)
	var keys []profileKey
	for _, s := range shifts {
		k := profileKey{userID: s.UserID, guildID: s.GuildID}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], s)
	}

	for _, k := range keys {
		p, err := e.store.GetProfile(ctx, k.userID, k.guildID)
		if err != nil {
			result.ProfilesFailed++
			result.Errors = append(result.Errors, fmt.Errorf("profile %s/%s: %w", k.guildID, k.userID, err))
			continue
		}
		listed := make(map[uuid.UUID]struct{}, len(p.ShiftIDs))
		for _, id := range p.ShiftIDs {
			listed[id] = struct{}{}
		}
		var missing []*models.Shift
		for _, s := range groups[k] {
			if _, ok := listed[s.ID]; !ok {
				missing = append(missing, s)
			}
		}
		if len(missing) == 0 {
			continue
		}
		if err := e.profiles.ContributeGroup(ctx, k.userID, k.guildID, missing); err != nil {
			result.ProfilesFailed++
			result.Errors = append(result.Errors, fmt.Errorf("profile %s/%s: %w", k.guildID, k.userID, err))
			continue
		}
		result.Credited += len(missing)
		e.logger.Info("profile reconciled",
			zap.String("guild_id", k.guildID),
			zap.String("user_id", k.userID),
			zap.Int("credited", len(missing)))
	}
	return result, nil
}

// ImportRecord is an externally sourced amount of duty time. Row is the
// caller's row number, reported back in ImportRow.Index.
type ImportRecord struct {
	Row     int
	UserID  string
	GuildID string
	Type    string
	OnDuty  time.Duration
	At      time.Time
	Events  map[string]int64
}

// ImportRow is the outcome of one record of an import batch.
type ImportRow struct {
	Index   int
	ShiftID uuid.UUID
	Skipped bool
	Err     error
}

type ImportResult struct {
	Imported int
	Skipped  int
	Failed   int
	Rows     []ImportRow
}

// AddFailure records a row that never reached the engine, e.g. a parse error.
func (r *ImportResult) AddFailure(index int, err error) {
	r.Failed++
	r.Rows = append(r.Rows, ImportRow{Index: index, Err: err})
}

// Import creates an already ended shift carrying rec.OnDuty entirely in its
// on-duty modifier (start == end) and credits it like a normal End.
func (e *Engine) Import(ctx context.Context, rec ImportRecord) (*models.Shift, error) {
	if rec.UserID == "" || rec.GuildID == "" {
		return nil, fmt.Errorf("%w: user and guild are required", ErrInvalid)
	}
	if strings.TrimSpace(rec.Type) == "" {
		return nil, fmt.Errorf("%w: shift type is required", ErrInvalid)
	}
	if rec.OnDuty <= 0 {
		return nil, fmt.Errorf("%w: imported duty time must be positive", ErrInvalid)
	}

	at := rec.At
	if at.IsZero() {
		at = e.clock.Now()
	}
	events := make(map[string]int64, len(rec.Events))
	for k, v := range rec.Events {
		events[k] = v
	}

	s := &models.Shift{
		ID:        uuid.New(),
		UserID:    rec.UserID,
		GuildID:   rec.GuildID,
		Type:      rec.Type,
		StartTime: at,
		EndTime:   &at,
		Breaks:    []models.Break{},
		Events:    events,
		OnDutyMod: rec.OnDuty,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.CreateShift(ctx, s); err != nil {
		return nil, fmt.Errorf("error creating imported shift: %w", err)
	}

	if err := e.profiles.Contribute(ctx, s); err != nil {
		// A failed row leaves nothing behind so the file can be imported
		// again.
		if derr := e.store.DeleteShift(ctx, s.ID, s.Version); derr != nil {
			e.logger.Error("failed to remove uncredited imported shift",
				zap.String("shift_id", s.ID.String()),
				zap.Error(derr))
		}
		return nil, fmt.Errorf("error crediting imported shift: %w", err)
	}
	return s, nil
}

// ImportBatch imports every record independently. Records without duty time
// are skipped; failures are reported per row and never stop the batch.
func (e *Engine) ImportBatch(ctx context.Context, records []ImportRecord) ImportResult {
	var result ImportResult
	for _, rec := range records {
		if rec.OnDuty <= 0 {
			result.Skipped++
			result.Rows = append(result.Rows, ImportRow{Index: rec.Row, Skipped: true})
			continue
		}
		s, err := e.Import(ctx, rec)
		if err != nil {
			result.Failed++
			result.Rows = append(result.Rows, ImportRow{Index: rec.Row, Err: err})
			continue
		}
		result.Imported++
		result.Rows = append(result.Rows, ImportRow{Index: rec.Row, ShiftID: s.ID})
	}

	e.logger.Info("shifts imported",
		zap.Int("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result
}
