package bot

import (
	"context"
	"fmt"
	"strings"

	"shiftbot/internal/duty"

	"github.com/bwmarrin/discordgo"
)

type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ChannelSink posts one line per duty event to the guild's log channel.
type ChannelSink struct {
	session   messageSender
	channelID string
}

var _ duty.AuditSink = (*ChannelSink)(nil)

func NewChannelSink(session messageSender, channelID string) *ChannelSink {
	return &ChannelSink{session: session, channelID: channelID}
}

func (c *ChannelSink) Record(ctx context.Context, ev duty.Event) error {
	if c.channelID == "" {
		return nil
	}
	if _, err := c.session.ChannelMessageSend(c.channelID, formatEvent(ev), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error sending log to Discord: %w", err)
	}
	return nil
}

func formatEvent(ev duty.Event) string {
	var verb string
	switch ev.Kind {
	case duty.EventStarted:
		verb = "started a shift"
	case duty.EventBreakStarted:
		verb = "went on break"
	case duty.EventBreakEnded:
		verb = "returned from break"
	case duty.EventEnded:
		verb = "ended their shift"
	case duty.EventVoided:
		verb = "had a shift voided"
	default:
		verb = string(ev.Kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "`[%s]` <@%s> %s (%s)", ev.At.UTC().Format("2006-01-02 15:04:05"), ev.UserID, verb, ev.ShiftType)
	if ev.Kind == duty.EventEnded || ev.Kind == duty.EventVoided {
		fmt.Fprintf(&b, " on duty %s, on break %s", formatDuration(ev.Durations.OnDuty), formatDuration(ev.Durations.OnBreak))
	}
	if ev.ActorID != "" && ev.ActorID != ev.UserID {
		fmt.Fprintf(&b, " by %s", mention(ev.ActorID))
	}
	return b.String()
}

// mention formats Discord user ids as mentions and leaves API actors as text.
func mention(id string) string {
	if id == "" || strings.Trim(id, "0123456789") != "" {
		return id
	}
	return "<@" + id + ">"
}
