package shift

import (
	"context"
	"time"

	"shiftbot/internal/db/models"

	"github.com/google/uuid"
)

// Store persists shifts and profiles. Implementations must honour the
// optimistic Version on SaveShift and DeleteShift.
type Store interface {
	// CreateShift inserts s and sets s.Version to 1. It returns
	// ErrActiveExists if s is active and its owner already has an active shift.
	CreateShift(ctx context.Context, s *models.Shift) error
	// GetShift returns ErrNotFound when id is unknown.
	GetShift(ctx context.Context, id uuid.UUID) (*models.Shift, error)
	// GetActiveShift returns nil, nil when the user has no active shift in the guild.
	GetActiveShift(ctx context.Context, userID, guildID string) (*models.Shift, error)
	ListShifts(ctx context.Context, f Filter) ([]*models.Shift, error)
	// SaveShift updates s if its stored version still equals s.Version and
	// increments s.Version. Returns ErrVersionConflict otherwise.
	SaveShift(ctx context.Context, s *models.Shift) error
	// DeleteShift removes id if its stored version equals version.
	DeleteShift(ctx context.Context, id uuid.UUID, version int64) error
	// DeleteShifts removes every listed id and returns the rows it actually deleted.
	DeleteShifts(ctx context.Context, ids []uuid.UUID) ([]*models.Shift, error)

	// GetProfile returns an empty profile when none exists yet.
	GetProfile(ctx context.Context, userID, guildID string) (*models.Profile, error)
	ListProfiles(ctx context.Context, guildID string) ([]*models.Profile, error)
	// ApplyProfileDelta atomically resolves d against the listed shift ids,
	// adds the result to the totals and stores the new id list, creating the
	// profile if needed.
	ApplyProfileDelta(ctx context.Context, d models.ProfileDelta) error
}

// Filter narrows ListShifts. Zero values do not filter.
type Filter struct {
	GuildID       string
	UserID        string
	Type          string
	Active        *bool
	StartedBefore time.Time
	StartedAfter  time.Time
	Limit         int
}

// Matches reports whether s passes the filter, ignoring Limit.
func (f Filter) Matches(s *models.Shift) bool {
	if f.GuildID != "" && s.GuildID != f.GuildID {
		return false
	}
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.Active != nil && s.Active() != *f.Active {
		return false
	}
	if !f.StartedBefore.IsZero() && !s.StartTime.Before(f.StartedBefore) {
		return false
	}
	if !f.StartedAfter.IsZero() && s.StartTime.Before(f.StartedAfter) {
		return false
	}
	return true
}

// Bool returns a pointer to b for Filter.Active.
func Bool(b bool) *bool {
	return &b
}
