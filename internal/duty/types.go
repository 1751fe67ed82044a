// Package duty drives the long-lived interactive duty prompt: it validates each
// button press against the prompt it came from, runs the matching shift
// transition and fans the side effects out without waiting for them.
package duty

import (
	"context"
	"time"

	"shiftbot/internal/db/models"

	"github.com/google/uuid"
)

// State is what a prompt shows for its owner.
type State int

const (
	NoActiveShift State = iota
	OnDuty
	OnBreak
)

func (s State) String() string {
	switch s {
	case OnDuty:
		return "on duty"
	case OnBreak:
		return "on break"
	default:
		return "off duty"
	}
}

// StateOf maps the user's active shift (nil for none) to a prompt state.
func StateOf(s *models.Shift) State {
	switch {
	case s == nil || !s.Active():
		return NoActiveShift
	case s.OnBreak():
		return OnBreak
	default:
		return OnDuty
	}
}

// Prompt is everything a rendered prompt knows about itself. It travels with
// every action so the action never has to be reconstructed from message text.
type Prompt struct {
	OwnerID   string
	GuildID   string
	ChannelID string
	MessageID string
	CreatedAt time.Time
	ShiftID   uuid.UUID // uuid.Nil when the prompt was rendered without a shift
	ShiftType string
	Assumed   State
}

type ActionKind int

const (
	ActionStart ActionKind = iota + 1
	ActionBreakToggle
	ActionEnd
)

func (k ActionKind) String() string {
	switch k {
	case ActionStart:
		return "start"
	case ActionBreakToggle:
		return "break"
	case ActionEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Action is one button press against a prompt.
type Action struct {
	Kind    ActionKind
	ActorID string
	Prompt  Prompt
	At      time.Time
}

type EventKind string

const (
	EventStarted      EventKind = "shift_started"
	EventBreakStarted EventKind = "break_started"
	EventBreakEnded   EventKind = "break_ended"
	EventEnded        EventKind = "shift_ended"
	EventVoided       EventKind = "shift_voided"
)

// Event describes a completed transition to the downstream sinks.
type Event struct {
	CorrelationID uuid.UUID
	Kind          EventKind
	GuildID       string
	UserID        string
	ActorID       string
	ShiftID       uuid.UUID
	ShiftType     string
	At            time.Time
	Previous      State
	Current       State
	Durations     models.Durations
}

// View is the data a Presenter needs to draw a prompt.
type View struct {
	State     State
	ShiftType string
	Shift     *models.Shift
	Durations models.Durations
	Profile   *models.Profile
	Disabled  bool
}

type OutcomeKind int

const (
	Transitioned OutcomeKind = iota + 1
	Resynced
	Rejected
)

// Notice tells the actor why their press did not do what they asked.
type Notice int

const (
	NoticeNone Notice = iota
	NoticeNotOwner
	NoticeExpired
	NoticeForbidden
	NoticeStateChanged
	NoticeOtherTypeActive
)

func (n Notice) String() string {
	switch n {
	case NoticeNotOwner:
		return "This prompt belongs to someone else."
	case NoticeExpired:
		return "This prompt has expired. Run the command again."
	case NoticeForbidden:
		return "You are no longer allowed to use this shift type."
	case NoticeStateChanged:
		return "Your shift was changed elsewhere. The prompt has been refreshed."
	case NoticeOtherTypeActive:
		return "You already have a shift of another type running."
	default:
		return ""
	}
}

// Outcome is the result of handling one action. Err holds the typed shift
// error behind a Rejected or Resynced outcome; Prompt is the prompt as it
// should be rendered from now on.
type Outcome struct {
	Kind   OutcomeKind
	Notice Notice
	Detail string
	Event  *Event
	Prompt Prompt
	View   View
	Err    error
}

// PermissionResolver decides whether a user may use a shift type.
type PermissionResolver interface {
	CanUse(ctx context.Context, guildID, userID, shiftType string) (bool, error)
}

// Presenter draws prompts. Both calls run as background side effects.
type Presenter interface {
	Render(ctx context.Context, p Prompt, v View) error
	Disable(ctx context.Context, p Prompt) error
}

// AuditSink records transition events.
type AuditSink interface {
	Record(ctx context.Context, ev Event) error
}

// RoleAssigner moves a member's duty roles to match ev.Current.
type RoleAssigner interface {
	Apply(ctx context.Context, ev Event) error
}
