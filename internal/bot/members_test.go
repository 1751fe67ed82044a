package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"shiftbot/internal/config"
	"shiftbot/internal/duty"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMembers struct {
	mu      sync.Mutex
	roles   map[string][]string
	added   []string
	removed []string
	failAdd error
}

func (f *fakeMembers) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	roles, ok := f.roles[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return &discordgo.Member{User: &discordgo.User{ID: userID}, Roles: roles}, nil
}

func (f *fakeMembers) GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd != nil {
		return f.failAdd
	}
	f.added = append(f.added, roleID)
	return nil
}

func (f *fakeMembers) GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, roleID)
	return nil
}

var testDuty = config.DutyConfig{
	DefaultType: "Patrol",
	Types: []config.ShiftType{
		{Name: "Patrol", OnDutyRoleID: "r-duty", OnBreakRoleID: "r-break"},
		{Name: "SWAT", RoleIDs: []string{"r-swat", "r-command"}, OnDutyRoleID: "r-swat-duty"},
		{Name: "Traffic"},
	},
}

func TestCanUse(t *testing.T) {
	members := NewMembers(&fakeMembers{roles: map[string][]string{
		"officer":   {"r-other"},
		"commander": {"r-other", "r-command"},
	}}, testDuty, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		user, shiftType string
		want            bool
	}{
		{"officer", "Patrol", true},
		{"officer", "patrol", true},
		{"officer", "SWAT", false},
		{"commander", "swat", true},
		{"officer", "Traffic", true},
		{"officer", "Unknown", false},
		{"stranger", "Patrol", true},
	}
	for _, tt := range tests {
		t.Run(tt.user+"/"+tt.shiftType, func(t *testing.T) {
			ok, err := members.CanUse(ctx, "g1", tt.user, tt.shiftType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	_, err := members.CanUse(ctx, "g1", "stranger", "SWAT")
	assert.Error(t, err)
}

func TestRoleChanges(t *testing.T) {
	patrol := testDuty.Types[0]

	add, remove := roleChanges(patrol, duty.OnDuty)
	assert.Equal(t, []string{"r-duty"}, add)
	assert.Equal(t, []string{"r-break"}, remove)

	add, remove = roleChanges(patrol, duty.OnBreak)
	assert.Equal(t, []string{"r-break"}, add)
	assert.Equal(t, []string{"r-duty"}, remove)

	add, remove = roleChanges(patrol, duty.NoActiveShift)
	assert.Empty(t, add)
	assert.ElementsMatch(t, []string{"r-duty", "r-break"}, remove)

	add, remove = roleChanges(testDuty.Types[1], duty.OnBreak)
	assert.Empty(t, add)
	assert.Equal(t, []string{"r-swat-duty"}, remove)
}

func TestApplyRoles(t *testing.T) {
	fake := &fakeMembers{}
	members := NewMembers(fake, testDuty, zap.NewNop())

	err := members.Apply(context.Background(), duty.Event{GuildID: "g1", UserID: "u1", ShiftType: "Patrol", Current: duty.OnBreak})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-break"}, fake.added)
	assert.Equal(t, []string{"r-duty"}, fake.removed)

	err = members.Apply(context.Background(), duty.Event{GuildID: "g1", UserID: "u1", ShiftType: "Gone", Current: duty.OnDuty})
	require.NoError(t, err)

	fake.failAdd = errors.New("missing permissions")
	err = members.Apply(context.Background(), duty.Event{GuildID: "g1", UserID: "u1", ShiftType: "Patrol", Current: duty.OnDuty})
	assert.ErrorContains(t, err, "missing permissions")
}
