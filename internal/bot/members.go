package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shiftbot/internal/config"
	"shiftbot/internal/duty"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// guildMembers is the part of *discordgo.Session used for member lookups and
// role changes.
type guildMembers interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// Members resolves shift type permissions from member roles and keeps the
// configured duty roles in step with transitions.
type Members struct {
	session guildMembers
	duty    config.DutyConfig
	logger  *zap.Logger
}

var (
	_ duty.PermissionResolver = (*Members)(nil)
	_ duty.RoleAssigner       = (*Members)(nil)
)

func NewMembers(session guildMembers, cfg config.DutyConfig, logger *zap.Logger) *Members {
	return &Members{session: session, duty: cfg, logger: logger.Named("members")}
}

// CanUse allows the default type to everyone. Any other type needs one of
// its role_ids; a type without role_ids is open to everyone.
func (m *Members) CanUse(ctx context.Context, guildID, userID, shiftType string) (bool, error) {
	if strings.EqualFold(shiftType, m.duty.DefaultType) {
		return true, nil
	}
	t, ok := m.duty.ShiftType(shiftType)
	if !ok {
		return false, nil
	}
	if len(t.RoleIDs) == 0 {
		return true, nil
	}

	member, err := m.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("error loading member %s: %w", userID, err)
	}
	return hasAnyRole(member.Roles, t.RoleIDs), nil
}

func hasAnyRole(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Apply moves the member to the duty roles of ev.Current.
func (m *Members) Apply(ctx context.Context, ev duty.Event) error {
	t, ok := m.duty.ShiftType(ev.ShiftType)
	if !ok {
		return nil
	}
	add, remove := roleChanges(t, ev.Current)

	var errs []error
	for _, roleID := range remove {
		if err := m.session.GuildMemberRoleRemove(ev.GuildID, ev.UserID, roleID, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("error removing role %s: %w", roleID, err))
		}
	}
	for _, roleID := range add {
		if err := m.session.GuildMemberRoleAdd(ev.GuildID, ev.UserID, roleID, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("error adding role %s: %w", roleID, err))
		}
	}
	if len(errs) == 0 {
		m.logger.Debug("duty roles applied",
			zap.String("user_id", ev.UserID),
			zap.Strings("added", add),
			zap.Strings("removed", remove))
	}
	return errors.Join(errs...)
}

// roleChanges lists the roles to add and remove so the member holds exactly
// the role of state s. Unconfigured roles are left out.
func roleChanges(t config.ShiftType, s duty.State) (add, remove []string) {
	want := map[duty.State]string{
		duty.OnDuty:  t.OnDutyRoleID,
		duty.OnBreak: t.OnBreakRoleID,
	}
	for _, st := range []duty.State{duty.OnDuty, duty.OnBreak} {
		roleID := want[st]
		if roleID == "" {
			continue
		}
		if st == s {
			add = append(add, roleID)
		} else {
			remove = append(remove, roleID)
		}
	}
	return add, remove
}
