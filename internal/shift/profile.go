package shift

import (
	"context"
	"fmt"
	"time"

	"shiftbot/internal/db/models"
)

// ProfileUpdater applies incremental changes to the per (user, guild)
// aggregate. Every method issues exactly one store write.
type ProfileUpdater struct {
	store Store
}

func NewProfileUpdater(store Store) *ProfileUpdater {
	return &ProfileUpdater{store: store}
}

// Contribute credits an ended shift's durations to its owner's profile. A
// shift the profile already lists is not credited twice.
func (p *ProfileUpdater) Contribute(ctx context.Context, s *models.Shift) error {
	if s.Active() {
		return fmt.Errorf("contribute shift %s: shift is still active", s.ID)
	}
	return p.store.ApplyProfileDelta(ctx, models.ProfileDelta{
		UserID:  s.UserID,
		GuildID: s.GuildID,
		Add:     []models.Contribution{contribution(s)},
	})
}

// ContributeGroup credits every ended shift in shifts that the profile does
// not list yet. All shifts must belong to (userID, guildID).
func (p *ProfileUpdater) ContributeGroup(ctx context.Context, userID, guildID string, shifts []*models.Shift) error {
	add, err := contributions(userID, guildID, shifts)
	if err != nil || len(add) == 0 {
		return err
	}
	return p.store.ApplyProfileDelta(ctx, models.ProfileDelta{
		UserID:  userID,
		GuildID: guildID,
		Add:     add,
	})
}

// Reverse undoes a previous Contribute. Shifts the profile does not list
// are left alone, so reversing twice or reversing a shift whose credit never
// landed is a no-op.
func (p *ProfileUpdater) Reverse(ctx context.Context, s *models.Shift) error {
	if s.Active() {
		return nil
	}
	return p.ReverseGroup(ctx, s.UserID, s.GuildID, []*models.Shift{s})
}

// ReverseGroup removes the contribution of every listed shift in shifts,
// which must all belong to (userID, guildID).
func (p *ProfileUpdater) ReverseGroup(ctx context.Context, userID, guildID string, shifts []*models.Shift) error {
	remove, err := contributions(userID, guildID, shifts)
	if err != nil || len(remove) == 0 {
		return err
	}
	return p.store.ApplyProfileDelta(ctx, models.ProfileDelta{
		UserID:  userID,
		GuildID: guildID,
		Remove:  remove,
	})
}

// Adjust applies the change between two snapshots of the same ended shift.
// Nothing changes when the profile does not list the shift.
func (p *ProfileUpdater) Adjust(ctx context.Context, before, after *models.Shift) error {
	if before.Active() || after.Active() {
		return nil
	}
	delta := DurationsAt(after, time.Time{}).Sub(DurationsAt(before, time.Time{}))
	if delta.IsZero() {
		return nil
	}
	return p.store.ApplyProfileDelta(ctx, models.ProfileDelta{
		UserID:  after.UserID,
		GuildID: after.GuildID,
		Adjust:  []models.Contribution{{ShiftID: after.ID, Durations: delta}},
	})
}

func contribution(s *models.Shift) models.Contribution {
	return models.Contribution{ShiftID: s.ID, Durations: DurationsAt(s, time.Time{})}
}

// contributions skips active shifts.
func contributions(userID, guildID string, shifts []*models.Shift) ([]models.Contribution, error) {
	out := make([]models.Contribution, 0, len(shifts))
	for _, s := range shifts {
		if s.UserID != userID || s.GuildID != guildID {
			return nil, fmt.Errorf("profile group: shift %s belongs to %s/%s", s.ID, s.UserID, s.GuildID)
		}
		if s.Active() {
			continue
		}
		out = append(out, contribution(s))
	}
	return out, nil
}
