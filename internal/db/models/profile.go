package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the per (user, guild) rollup of contributed shift time.
type Profile struct {
	UserID    string      `db:"user_id"`
	GuildID   string      `db:"guild_id"`
	Totals    Durations   `db:"totals"`
	ShiftIDs  []uuid.UUID `db:"shift_ids"`
	UpdatedAt time.Time   `db:"updated_at"`
}

// Contribution is one shift's share of a profile change.
type Contribution struct {
	ShiftID   uuid.UUID
	Durations Durations
}

// ProfileDelta is one incremental update to a profile. It is resolved against
// the shift ids the profile lists when it is applied: an Add entry credits its
// shift only if it is not listed yet, Remove and Adjust entries apply only to
// listed shifts. A shift is never subtracted unless it was credited.
type ProfileDelta struct {
	UserID  string
	GuildID string
	Add     []Contribution
	Remove  []Contribution
	Adjust  []Contribution
}

// Apply resolves d against ids. It returns the new id list, in order and with
// duplicates collapsed, and the change to add to the totals.
func (d ProfileDelta) Apply(ids []uuid.UUID) ([]uuid.UUID, Durations) {
	listed := make(map[uuid.UUID]bool, len(ids)+len(d.Add))
	out := make([]uuid.UUID, 0, len(ids)+len(d.Add))
	for _, id := range ids {
		if listed[id] {
			continue
		}
		listed[id] = true
		out = append(out, id)
	}

	var total Durations
	for _, c := range d.Adjust {
		if listed[c.ShiftID] {
			total = total.Add(c.Durations)
		}
	}
	removed := make(map[uuid.UUID]bool, len(d.Remove))
	for _, c := range d.Remove {
		if listed[c.ShiftID] && !removed[c.ShiftID] {
			removed[c.ShiftID] = true
			total = total.Sub(c.Durations)
		}
	}
	for _, c := range d.Add {
		if listed[c.ShiftID] {
			continue
		}
		listed[c.ShiftID] = true
		total = total.Add(c.Durations)
		out = append(out, c.ShiftID)
	}

	if len(removed) > 0 {
		kept := out[:0]
		for _, id := range out {
			if !removed[id] {
				kept = append(kept, id)
			}
		}
		out = kept
	}
	return out, total
}
