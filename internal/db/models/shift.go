package models

import (
	"time"

	"github.com/google/uuid"
)

// Break is one break interval inside a shift. A nil End means the break is still open.
type Break struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Open reports whether the break has not been closed yet.
func (b Break) Open() bool {
	return b.End == nil
}

// Shift is a single on-duty period for a user in a guild.
// EndTime == nil is the only active flag.
type Shift struct {
	ID        uuid.UUID        `db:"id"`
	UserID    string           `db:"user_id"`
	GuildID   string           `db:"guild_id"`
	Type      string           `db:"type"`
	StartTime time.Time        `db:"start_time"`
	EndTime   *time.Time       `db:"end_time"`
	Breaks    []Break          `db:"breaks"`
	Events    map[string]int64 `db:"events"`
	OnDutyMod time.Duration    `db:"on_duty_mod_ms"`
	Version   int64            `db:"version"`
	CreatedAt time.Time        `db:"created_at"`
}

// Active reports whether the shift has not ended.
func (s *Shift) Active() bool {
	return s.EndTime == nil
}

// OpenBreak returns the index of the open break interval, or -1.
func (s *Shift) OpenBreak() int {
	for i := len(s.Breaks) - 1; i >= 0; i-- {
		if s.Breaks[i].Open() {
			return i
		}
	}
	return -1
}

// OnBreak reports whether the shift is active with an open break.
func (s *Shift) OnBreak() bool {
	return s.Active() && s.OpenBreak() >= 0
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (s *Shift) Clone() *Shift {
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.Breaks = make([]Break, len(s.Breaks))
	for i, b := range s.Breaks {
		c.Breaks[i] = Break{Start: b.Start}
		if b.End != nil {
			end := *b.End
			c.Breaks[i].End = &end
		}
	}
	c.Events = make(map[string]int64, len(s.Events))
	for k, v := range s.Events {
		c.Events[k] = v
	}
	return &c
}
