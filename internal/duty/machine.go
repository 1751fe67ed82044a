package duty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shiftbot/internal/clock"
	"shiftbot/internal/db/models"
	"shiftbot/internal/shift"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the part of shift.Engine the machine drives.
type Engine interface {
	Start(ctx context.Context, userID, guildID, shiftType string, at time.Time) (*models.Shift, error)
	BreakStart(ctx context.Context, id uuid.UUID, at time.Time) (*models.Shift, error)
	BreakEnd(ctx context.Context, id uuid.UUID, at time.Time) (*models.Shift, error)
	End(ctx context.Context, id uuid.UUID, at time.Time) (*models.Shift, error)
	Current(ctx context.Context, userID, guildID string) (*models.Shift, error)
	Profile(ctx context.Context, userID, guildID string) (*models.Profile, error)
}

type MachineConfig struct {
	Engine      Engine
	Permissions PermissionResolver
	Presenter   Presenter
	Audit       []AuditSink
	Roles       RoleAssigner
	Dispatcher  *Dispatcher
	Clock       clock.Clock
	Logger      *zap.Logger
	// MaxAge is the staleness bound of a prompt, 24h when zero.
	MaxAge time.Duration
}

// Machine validates and executes prompt actions.
type Machine struct {
	engine     Engine
	perms      PermissionResolver
	presenter  Presenter
	audit      []AuditSink
	roles      RoleAssigner
	dispatcher *Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
	maxAge     time.Duration
}

func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewDispatcher(cfg.Logger, 0)
	}
	return &Machine{
		engine:     cfg.Engine,
		perms:      cfg.Permissions,
		presenter:  cfg.Presenter,
		audit:      cfg.Audit,
		roles:      cfg.Roles,
		dispatcher: cfg.Dispatcher,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("duty"),
		maxAge:     cfg.MaxAge,
	}
}

// Open builds the prompt for a new /duty manage invocation from the user's
// current shift. shiftType is used when the user has no shift.
func (m *Machine) Open(ctx context.Context, userID, guildID, shiftType string) (Prompt, View, error) {
	current, err := m.engine.Current(ctx, userID, guildID)
	if err != nil {
		return Prompt{}, View{}, fmt.Errorf("error loading current shift: %w", err)
	}
	p := Prompt{
		OwnerID:   userID,
		GuildID:   guildID,
		CreatedAt: m.clock.Now(),
		ShiftType: shiftType,
	}
	p = promptFor(p, current)

	v := m.view(current, p.ShiftType)
	if v.Profile, err = m.engine.Profile(ctx, userID, guildID); err != nil {
		return Prompt{}, View{}, fmt.Errorf("error loading profile: %w", err)
	}
	return p, v, nil
}

// Handle validates a, in order, for identity, staleness, permission and
// consistency with the stored shift, then performs it. The returned error is
// reserved for infrastructure failures; rejections and resyncs are outcomes.
func (m *Machine) Handle(ctx context.Context, a Action) (Outcome, error) {
	p := a.Prompt
	if a.At.IsZero() {
		a.At = m.clock.Now()
	}

	if a.ActorID != p.OwnerID {
		return Outcome{Kind: Rejected, Notice: NoticeNotOwner, Prompt: p}, nil
	}

	if m.clock.Now().Sub(p.CreatedAt) > m.maxAge {
		m.disable(p)
		return Outcome{
			Kind:   Rejected,
			Notice: NoticeExpired,
			Prompt: p,
			View:   View{Disabled: true, State: p.Assumed, ShiftType: p.ShiftType},
			Err:    &shift.StaleResourceError{Reason: shift.ReasonPromptExpired, ShiftID: p.ShiftID},
		}, nil
	}

	ok, err := m.perms.CanUse(ctx, p.GuildID, a.ActorID, p.ShiftType)
	if err != nil {
		return Outcome{}, fmt.Errorf("error resolving permission: %w", err)
	}
	if !ok {
		return Outcome{Kind: Rejected, Notice: NoticeForbidden, Prompt: p}, nil
	}

	current, err := m.engine.Current(ctx, p.OwnerID, p.GuildID)
	if err != nil {
		return Outcome{}, fmt.Errorf("error loading current shift: %w", err)
	}

	switch a.Kind {
	case ActionStart:
		return m.start(ctx, a, current)
	case ActionBreakToggle, ActionEnd:
		return m.onShift(ctx, a, current)
	default:
		return Outcome{}, fmt.Errorf("unknown action %d", a.Kind)
	}
}

func (m *Machine) start(ctx context.Context, a Action, current *models.Shift) (Outcome, error) {
	p := a.Prompt
	if current != nil {
		return m.startConflict(ctx, p, current.Type, current)
	}

	s, err := m.engine.Start(ctx, p.OwnerID, p.GuildID, p.ShiftType, a.At)
	var ce *shift.ConflictError
	if errors.As(err, &ce) {
		// Lost a race with another Start: the store has the truth.
		fresh, ferr := m.engine.Current(ctx, p.OwnerID, p.GuildID)
		if ferr != nil {
			return Outcome{}, fmt.Errorf("error loading current shift: %w", ferr)
		}
		return m.startConflict(ctx, p, ce.ExistingType, fresh)
	}
	if err != nil {
		return Outcome{}, err
	}
	return m.transitioned(ctx, a, EventStarted, NoActiveShift, s), nil
}

// startConflict resyncs a prompt that missed a shift of its own type and
// hard-stops when a shift of another type is running.
func (m *Machine) startConflict(ctx context.Context, p Prompt, existingType string, current *models.Shift) (Outcome, error) {
	err := &shift.ConflictError{Kind: shift.AlreadyActive, ExistingType: existingType}
	if current != nil {
		err.ShiftID = current.ID
	}
	if !strings.EqualFold(existingType, p.ShiftType) {
		return Outcome{
			Kind:   Rejected,
			Notice: NoticeOtherTypeActive,
			Detail: existingType,
			Prompt: p,
			Err:    err,
		}, nil
	}
	return m.resync(ctx, p, current, err), nil
}

func (m *Machine) onShift(ctx context.Context, a Action, current *models.Shift) (Outcome, error) {
	p := a.Prompt
	if current == nil || current.ID != p.ShiftID || StateOf(current) != p.Assumed {
		return m.resync(ctx, p, current, &shift.StaleResourceError{Reason: shift.ReasonStateChanged, ShiftID: p.ShiftID}), nil
	}

	var (
		s    *models.Shift
		err  error
		kind EventKind
	)
	switch {
	case a.Kind == ActionEnd:
		kind = EventEnded
		s, err = m.engine.End(ctx, current.ID, a.At)
		if err != nil && s != nil {
			// The shift ended; only the profile write failed and that is logged
			// by the engine.
			m.logger.Warn("shift ended with profile error",
				zap.String("shift_id", s.ID.String()),
				zap.Error(err))
			err = nil
		}
	case p.Assumed == OnBreak:
		kind = EventBreakEnded
		s, err = m.engine.BreakEnd(ctx, current.ID, a.At)
	default:
		kind = EventBreakStarted
		s, err = m.engine.BreakStart(ctx, current.ID, a.At)
	}

	if diverged(err) {
		fresh, ferr := m.engine.Current(ctx, p.OwnerID, p.GuildID)
		if ferr != nil {
			return Outcome{}, fmt.Errorf("error loading current shift: %w", ferr)
		}
		return m.resync(ctx, p, fresh, err), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return m.transitioned(ctx, a, kind, p.Assumed, s), nil
}

// diverged reports errors that mean the prompt no longer matches the store.
func diverged(err error) bool {
	var (
		ce *shift.ConflictError
		se *shift.StaleResourceError
	)
	return errors.As(err, &ce) || errors.As(err, &se) || errors.Is(err, shift.ErrNotFound)
}

func (m *Machine) transitioned(ctx context.Context, a Action, kind EventKind, previous State, s *models.Shift) Outcome {
	next := promptFor(a.Prompt, activeOrNil(s))
	ev := Event{
		CorrelationID: uuid.New(),
		Kind:          kind,
		GuildID:       s.GuildID,
		UserID:        s.UserID,
		ActorID:       a.ActorID,
		ShiftID:       s.ID,
		ShiftType:     s.Type,
		At:            a.At,
		Previous:      previous,
		Current:       StateOf(s),
		Durations:     shift.DurationsAt(s, m.clock.Now()),
	}

	m.logger.Info("duty transition",
		zap.String("correlation_id", ev.CorrelationID.String()),
		zap.String("event", string(kind)),
		zap.String("shift_id", s.ID.String()),
		zap.Duration("on_duty", ev.Durations.OnDuty),
		zap.Duration("on_break", ev.Durations.OnBreak))

	view := m.view(activeOrNil(s), next.ShiftType)
	m.dispatchTransition(ev, next, view)

	return Outcome{Kind: Transitioned, Event: &ev, Prompt: next, View: view}
}

func (m *Machine) resync(ctx context.Context, p Prompt, current *models.Shift, cause error) Outcome {
	next := promptFor(p, current)
	view := m.view(current, next.ShiftType)

	m.logger.Info("duty prompt resynced",
		zap.String("user_id", p.OwnerID),
		zap.String("guild_id", p.GuildID),
		zap.String("assumed", p.Assumed.String()),
		zap.String("actual", view.State.String()),
		zap.Error(cause))

	correlationID := uuid.New()
	m.dispatcher.Dispatch(correlationID, promptFields(next),
		Effect{Name: "render", Run: m.renderEffect(next, view)})

	return Outcome{Kind: Resynced, Notice: NoticeStateChanged, Prompt: next, View: view, Err: cause}
}

// dispatchTransition fans out audit, roles and re-render for ev.
func (m *Machine) dispatchTransition(ev Event, next Prompt, view View) {
	effects := append(m.sinkEffects(ev, true), Effect{Name: "render", Run: m.renderEffect(next, view)})
	fields := append(promptFields(next),
		zap.String("shift_id", ev.ShiftID.String()),
		zap.String("event", string(ev.Kind)))
	m.dispatcher.Dispatch(ev.CorrelationID, fields, effects...)
}

func (m *Machine) sinkEffects(ev Event, roles bool) []Effect {
	effects := make([]Effect, 0, len(m.audit)+2)
	for i, sink := range m.audit {
		sink := sink
		effects = append(effects, Effect{
			Name: fmt.Sprintf("audit[%d]", i),
			Run:  func(ctx context.Context) error { return sink.Record(ctx, ev) },
		})
	}
	if roles && m.roles != nil {
		effects = append(effects, Effect{
			Name: "roles",
			Run:  func(ctx context.Context) error { return m.roles.Apply(ctx, ev) },
		})
	}
	return effects
}

// Announce publishes a transition made outside a prompt, such as an admin
// ending or voiding a shift, to the audit sinks and the role assigner.
func (m *Machine) Announce(kind EventKind, actorID string, previous State, s *models.Shift) Event {
	ev := Event{
		CorrelationID: uuid.New(),
		Kind:          kind,
		GuildID:       s.GuildID,
		UserID:        s.UserID,
		ActorID:       actorID,
		ShiftID:       s.ID,
		ShiftType:     s.Type,
		At:            m.clock.Now(),
		Previous:      previous,
		Current:       StateOf(s),
		Durations:     shift.DurationsAt(s, m.clock.Now()),
	}
	if kind == EventVoided {
		ev.Current = NoActiveShift
	}

	// Voiding an ended shift leaves the member's current roles alone.
	effects := m.sinkEffects(ev, previous != NoActiveShift)
	m.dispatcher.Dispatch(ev.CorrelationID, []zap.Field{
		zap.String("guild_id", ev.GuildID),
		zap.String("user_id", ev.UserID),
		zap.String("shift_id", ev.ShiftID.String()),
		zap.String("event", string(kind)),
	}, effects...)
	return ev
}

// renderEffect refreshes the profile statistics and redraws the prompt.
func (m *Machine) renderEffect(p Prompt, v View) func(context.Context) error {
	return func(ctx context.Context) error {
		if m.presenter == nil {
			return nil
		}
		profile, err := m.engine.Profile(ctx, p.OwnerID, p.GuildID)
		if err != nil {
			return fmt.Errorf("error loading profile: %w", err)
		}
		v.Profile = profile
		return m.presenter.Render(ctx, p, v)
	}
}

func (m *Machine) disable(p Prompt) {
	if m.presenter == nil {
		return
	}
	m.dispatcher.Dispatch(uuid.New(), promptFields(p), Effect{
		Name: "disable",
		Run:  func(ctx context.Context) error { return m.presenter.Disable(ctx, p) },
	})
}

func (m *Machine) view(current *models.Shift, shiftType string) View {
	v := View{State: StateOf(current), ShiftType: shiftType, Shift: current}
	if current != nil {
		v.Durations = shift.DurationsAt(current, m.clock.Now())
	}
	return v
}

// promptFor points p at current, or at no shift when current is nil. The
// prompt keeps its creation time so staleness still counts from the original.
func promptFor(p Prompt, current *models.Shift) Prompt {
	if current == nil {
		p.ShiftID = uuid.Nil
		p.Assumed = NoActiveShift
		return p
	}
	p.ShiftID = current.ID
	p.ShiftType = current.Type
	p.Assumed = StateOf(current)
	return p
}

func activeOrNil(s *models.Shift) *models.Shift {
	if s == nil || !s.Active() {
		return nil
	}
	return s
}

func promptFields(p Prompt) []zap.Field {
	return []zap.Field{
		zap.String("guild_id", p.GuildID),
		zap.String("user_id", p.OwnerID),
		zap.String("message_id", p.MessageID),
	}
}
