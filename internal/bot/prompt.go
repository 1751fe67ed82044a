package bot

import (
	"context"
	"fmt"
	"time"

	"shiftbot/internal/duty"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorOffDuty = 0x95a5a6
	colorOnDuty  = 0x2ecc71
	colorOnBreak = 0xf1c40f
)

// messageEditor is the part of *discordgo.Session the presenter needs.
type messageEditor interface {
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// PromptPresenter draws duty prompts as an embed with three buttons.
type PromptPresenter struct {
	session messageEditor
	logger  *zap.Logger
}

var _ duty.Presenter = (*PromptPresenter)(nil)

func NewPresenter(session messageEditor, logger *zap.Logger) *PromptPresenter {
	return &PromptPresenter{session: session, logger: logger.Named("presenter")}
}

func (p *PromptPresenter) Render(ctx context.Context, prompt duty.Prompt, v duty.View) error {
	embed, components, err := promptMessage(prompt, v)
	if err != nil {
		return err
	}
	edit := discordgo.NewMessageEdit(prompt.ChannelID, prompt.MessageID)
	edit.Embeds = []*discordgo.MessageEmbed{embed}
	edit.Components = components
	if _, err := p.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error editing prompt %s: %w", prompt.MessageID, err)
	}
	return nil
}

// Disable greys out the prompt's buttons and keeps whatever the embed last showed.
func (p *PromptPresenter) Disable(ctx context.Context, prompt duty.Prompt) error {
	msg, err := p.session.ChannelMessage(prompt.ChannelID, prompt.MessageID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error loading prompt %s: %w", prompt.MessageID, err)
	}
	components, err := promptButtons(prompt, true)
	if err != nil {
		return err
	}
	edit := discordgo.NewMessageEdit(prompt.ChannelID, prompt.MessageID)
	edit.Embeds = msg.Embeds
	edit.Components = components
	if _, err := p.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error disabling prompt %s: %w", prompt.MessageID, err)
	}
	p.logger.Debug("prompt disabled", zap.String("message_id", prompt.MessageID))
	return nil
}

// promptMessage builds the embed and buttons for a prompt in view v.
func promptMessage(p duty.Prompt, v duty.View) (*discordgo.MessageEmbed, []discordgo.MessageComponent, error) {
	components, err := promptButtons(p, v.Disabled)
	if err != nil {
		return nil, nil, err
	}
	return promptEmbed(p, v), components, nil
}

func promptEmbed(p duty.Prompt, v duty.View) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Duty management",
		Description: fmt.Sprintf("<@%s>", p.OwnerID),
		Timestamp:   p.CreatedAt.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: stateLabel(v.State), Inline: true},
			{Name: "Shift type", Value: v.ShiftType, Inline: true},
		},
	}
	switch v.State {
	case duty.OnDuty:
		embed.Color = colorOnDuty
	case duty.OnBreak:
		embed.Color = colorOnBreak
	default:
		embed.Color = colorOffDuty
	}

	if v.Shift != nil {
		embed.Fields = append(embed.Fields,
			&discordgo.MessageEmbedField{Name: "Started", Value: fmt.Sprintf("<t:%d:R>", v.Shift.StartTime.Unix()), Inline: true},
			&discordgo.MessageEmbedField{Name: "On duty", Value: formatDuration(v.Durations.OnDuty), Inline: true},
			&discordgo.MessageEmbedField{Name: "On break", Value: formatDuration(v.Durations.OnBreak), Inline: true},
		)
	}
	if v.Profile != nil {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Total on duty",
			Value: fmt.Sprintf("%s over %d shifts", formatDuration(v.Profile.Totals.OnDuty), len(v.Profile.ShiftIDs)),
		})
	}
	if v.Disabled {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "This prompt is no longer active."}
	}
	return embed
}

func stateLabel(s duty.State) string {
	switch s {
	case duty.OnDuty:
		return "🟢 On duty"
	case duty.OnBreak:
		return "🟡 On break"
	default:
		return "⚪ Off duty"
	}
}

// promptButtons renders Start, Break and End for a prompt. Only the buttons
// that make sense in p.Assumed are enabled.
func promptButtons(p duty.Prompt, disabled bool) ([]discordgo.MessageComponent, error) {
	active := p.Assumed != duty.NoActiveShift

	breakLabel := "Take break"
	if p.Assumed == duty.OnBreak {
		breakLabel = "End break"
	}

	buttons := []struct {
		kind    duty.ActionKind
		label   string
		style   discordgo.ButtonStyle
		enabled bool
	}{
		{duty.ActionStart, "Start shift", discordgo.SuccessButton, !active},
		{duty.ActionBreakToggle, breakLabel, discordgo.PrimaryButton, active},
		{duty.ActionEnd, "End shift", discordgo.DangerButton, active},
	}

	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		id, err := encodeCustomID(refFor(b.kind, p))
		if err != nil {
			return nil, err
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    b.label,
			Style:    b.style,
			CustomID: id,
			Disabled: disabled || !b.enabled,
		})
	}
	return []discordgo.MessageComponent{row}, nil
}
