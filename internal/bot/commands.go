package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"shiftbot/internal/config"
	"shiftbot/internal/duty"
	"shiftbot/internal/shift"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Permission for admin commands (Manage Server permission)
var adminPermission = int64(discordgo.PermissionManageServer)

// Discord allows at most this many choices per option.
const maxChoices = 25

func buildCommands(cfg config.DutyConfig) []*discordgo.ApplicationCommand {
	var typeChoices []*discordgo.ApplicationCommandOptionChoice
	for _, name := range cfg.TypeNames() {
		if len(typeChoices) == maxChoices {
			break
		}
		typeChoices = append(typeChoices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
	}
	typeOption := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "type",
			Description: description,
			Choices:     typeChoices,
		}
	}
	periodChoices := []*discordgo.ApplicationCommandOptionChoice{
		{Name: "All time", Value: "all"},
		{Name: "Today", Value: "today"},
		{Name: "This Week", Value: "week"},
		{Name: "This Month", Value: "month"},
		{Name: "Last Month", Value: "last_month"},
	}
	formatChoices := []*discordgo.ApplicationCommandOptionChoice{
		{Name: "Text", Value: "text"},
		{Name: "CSV", Value: "csv"},
		{Name: "Excel", Value: "xlsx"},
	}
	minAmount := float64(-1000)

	return []*discordgo.ApplicationCommand{
		{
			Name:        "duty",
			Description: "Manage your shifts",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "manage",
					Description: "Open your duty prompt",
					Options:     []*discordgo.ApplicationCommandOption{typeOption("Shift type to start")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "active",
					Description: "Show everyone currently on shift",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "leaderboard",
					Description: "Show time on duty",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "period",
							Description: "Time period",
							Choices:     periodChoices,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "format",
							Description: "Output format (files available for admins only)",
							Choices:     formatChoices,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "event",
					Description: "Count an event on your current shift",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "name",
							Description: "Event name, e.g. arrests",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "amount",
							Description: "Amount to add, negative to correct",
							MinValue:    &minAmount,
							MaxValue:    1000,
						},
					},
				},
			},
		},
		{
			Name:                     "dutyadmin",
			Description:              "Administer shifts (admin only)",
			DefaultMemberPermissions: &adminPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "end",
					Description: "End a member's running shift",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: "Member", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "void",
					Description: "Delete a shift and take it off the member's totals",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "shift", Description: "Shift id", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "adjust",
					Description: "Add or remove on-duty minutes",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "shift", Description: "Shift id", Required: true},
						{Type: discordgo.ApplicationCommandOptionInteger, Name: "minutes", Description: "Signed minutes", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "wipe",
					Description: "Delete shifts in bulk",
					Options: []*discordgo.ApplicationCommandOption{
						typeOption("Only shifts of this type"),
						{Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: "Only shifts of this member"},
						{Type: discordgo.ApplicationCommandOptionString, Name: "before", Description: "Only shifts started before (YYYY-MM-DD)"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "import",
					Description: "Import duty time from a spreadsheet",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionAttachment, Name: "file", Description: "xlsx workbook", Required: true},
						typeOption("Type for rows without one"),
					},
				},
			},
		},
	}
}

func (b *Bot) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	defer b.recoverPanic(s, i, "command")

	data := i.ApplicationCommandData()
	if i.GuildID == "" || i.Member == nil {
		respondNow(s, i, fmt.Sprintf("The `/%s` command can only be used in a server", data.Name))
		return
	}

	sub, _ := commandOptions(i)
	// The duty prompt is public; everything else answers privately.
	ephemeral := !(data.Name == "duty" && sub == "manage")
	if err := deferResponse(s, i, ephemeral); err != nil {
		b.logger.Warn("error acknowledging interaction", zap.String("guild_id", i.GuildID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch data.Name + " " + sub {
	case "duty manage":
		b.handleManage(ctx, s, i)
	case "duty active":
		b.handleActive(ctx, s, i)
	case "duty leaderboard":
		b.handleLeaderboard(ctx, s, i)
	case "duty event":
		b.handleEvent(ctx, s, i)
	case "dutyadmin end":
		b.handleAdminEnd(ctx, s, i)
	case "dutyadmin void":
		b.handleAdminVoid(ctx, s, i)
	case "dutyadmin adjust":
		b.handleAdminAdjust(ctx, s, i)
	case "dutyadmin wipe":
		b.handleAdminWipe(ctx, s, i)
	case "dutyadmin import":
		b.handleAdminImport(ctx, s, i)
	default:
		b.logger.Warn("unknown command", zap.String("command", data.Name), zap.String("subcommand", sub))
		respondWithError(s, i, "Unknown command")
	}
}

func (b *Bot) recoverPanic(s *discordgo.Session, i *discordgo.InteractionCreate, handler string) {
	if r := recover(); r != nil {
		username := "unknown"
		if u := interactionUser(i); u != nil {
			username = u.Username
		}
		b.logger.Error("panic in interaction handler",
			zap.String("handler", handler),
			zap.String("user", username),
			zap.String("guild_id", i.GuildID),
			zap.Any("panic", r),
			zap.Stack("stack"))
		respondWithError(s, i, "An internal error occurred")
	}
}

// respondNow answers an interaction that was not deferred.
func respondNow(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func (b *Bot) handleManage(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "duty manage")
	_, opts := commandOptions(i)
	shiftType := stringOption(opts, "type")
	if shiftType == "" {
		shiftType = b.cfg.Duty.DefaultType
	}
	if t, ok := b.cfg.Duty.ShiftType(shiftType); ok {
		shiftType = t.Name
	} else {
		respondWithError(s, i, fmt.Sprintf("Unknown shift type %q", shiftType))
		return
	}

	userID := i.Member.User.ID
	prompt, view, err := b.machine.Open(ctx, userID, i.GuildID, shiftType)
	if err != nil {
		b.logger.Error("error opening duty prompt", zap.String("user_id", userID), zap.Error(err))
		respondWithError(s, i, "Could not load your shift, try again shortly")
		return
	}

	embed, components, err := promptMessage(prompt, view)
	if err != nil {
		b.logger.Error("error building duty prompt", zap.Error(err))
		respondWithError(s, i, "Could not build the duty prompt")
		return
	}
	msg := followup(s, i, &discordgo.WebhookParams{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	})
	if msg == nil {
		return
	}

	prompt.ChannelID = msg.ChannelID
	prompt.MessageID = msg.ID
	if created, err := discordgo.SnowflakeTimestamp(msg.ID); err == nil {
		prompt.CreatedAt = created
	}
	b.timeouts.Touch(prompt)
}

// handleComponent runs a prompt button press through the duty machine.
func (b *Bot) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	defer b.recoverPanic(s, i, "component")

	ref, err := decodeCustomID(i.MessageComponentData().CustomID)
	if errors.Is(err, errNotDutyButton) {
		return
	}
	if err != nil || i.Message == nil || i.Member == nil {
		b.logger.Warn("malformed duty button", zap.String("custom_id", i.MessageComponentData().CustomID), zap.Error(err))
		respondNow(s, i, "This button is no longer valid. Run `/duty manage` again.")
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		b.logger.Warn("error acknowledging button", zap.Error(err))
		return
	}

	prompt := duty.Prompt{
		OwnerID:   ref.OwnerID,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		MessageID: i.Message.ID,
		ShiftID:   ref.ShiftID,
		ShiftType: ref.ShiftType,
		Assumed:   ref.Assumed,
	}
	// Prompt age is taken from the message itself, so an old message can never
	// pass as fresh.
	created, err := discordgo.SnowflakeTimestamp(i.Message.ID)
	if err != nil {
		b.logger.Warn("invalid prompt message id", zap.String("message_id", i.Message.ID), zap.Error(err))
		return
	}
	prompt.CreatedAt = created

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := b.machine.Handle(ctx, duty.Action{
		Kind:    ref.Action,
		ActorID: i.Member.User.ID,
		Prompt:  prompt,
		At:      b.engine.Now(),
	})
	if err != nil {
		b.logger.Error("error handling duty action",
			zap.String("action", ref.Action.String()),
			zap.String("user_id", i.Member.User.ID),
			zap.Error(err))
		respondWithError(s, i, "Something went wrong, try again shortly")
		return
	}

	// Presses by other members and on expired prompts do not keep a prompt alive.
	switch out.Notice {
	case duty.NoticeExpired:
		b.timeouts.Forget(prompt.MessageID)
	case duty.NoticeNotOwner:
	default:
		b.timeouts.Touch(out.Prompt)
	}
	if msg := noticeText(out); msg != "" {
		respondWithSuccess(s, i, msg)
	}
}

// noticeText is the private message shown to the actor for an outcome, if any.
func noticeText(out duty.Outcome) string {
	switch out.Notice {
	case duty.NoticeNone:
		return ""
	case duty.NoticeOtherTypeActive:
		if out.Detail != "" {
			return fmt.Sprintf("You already have a %s shift running. End it before starting another type.", out.Detail)
		}
	}
	return out.Notice.String()
}

func (b *Bot) handleActive(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "duty active")

	active, err := b.engine.Active(ctx, i.GuildID)
	if err != nil {
		b.logger.Error("error listing active shifts", zap.String("guild_id", i.GuildID), zap.Error(err))
		respondWithError(s, i, "Error retrieving active shifts")
		return
	}
	if len(active) == 0 {
		respondWithSuccess(s, i, "Nobody is on shift right now.")
		return
	}

	ids := make([]string, 0, len(active))
	for _, sh := range active {
		ids = append(ids, sh.UserID)
	}
	names := displayNames(ctx, s, i.GuildID, ids)

	now := b.engine.Now()
	sort.Slice(active, func(a, c int) bool { return active[a].StartTime.Before(active[c].StartTime) })
	rows := make([][]string, 0, len(active))
	for _, sh := range active {
		d := shift.DurationsAt(sh, now)
		status := "●"
		if sh.OnBreak() {
			status = "◐"
		}
		rows = append(rows, []string{
			status + " " + truncateString(names[sh.UserID], 20),
			truncateString(sh.Type, 16),
			formatDuration(d.OnDuty),
			formatDuration(d.OnBreak),
		})
	}
	respondWithSuccess(s, i, "**On shift**\n"+formatTable([]string{"USER", "TYPE", "ON DUTY", "ON BREAK"}, rows))
}

func (b *Bot) handleEvent(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "duty event")
	_, opts := commandOptions(i)
	name := strings.ToLower(strings.TrimSpace(stringOption(opts, "name")))
	amount := int64(1)
	if opt, ok := opts["amount"]; ok {
		amount = opt.IntValue()
	}
	if amount == 0 {
		respondWithError(s, i, "Amount must not be zero")
		return
	}

	current, err := b.engine.Current(ctx, i.Member.User.ID, i.GuildID)
	if err != nil {
		respondWithError(s, i, "Error checking your shift")
		return
	}
	if current == nil {
		respondWithError(s, i, "You are not on shift")
		return
	}

	updated, err := b.engine.RecordEvent(ctx, current.ID, name, amount)
	if err != nil {
		respondWithError(s, i, shiftErrorText(err))
		return
	}
	respondWithSuccess(s, i, fmt.Sprintf("Recorded %+d %s. This shift: %d.", amount, name, updated.Events[name]))
}

// shiftErrorText maps engine errors to messages for the invoking user.
func shiftErrorText(err error) string {
	var (
		ce *shift.ConflictError
		se *shift.StaleResourceError
	)
	switch {
	case errors.Is(err, shift.ErrNotFound):
		return "Shift not found"
	case errors.Is(err, shift.ErrInvalid):
		return strings.TrimPrefix(err.Error(), shift.ErrInvalid.Error()+": ")
	case errors.As(err, &ce):
		switch ce.Kind {
		case shift.AlreadyActive:
			return fmt.Sprintf("A %s shift is already running", ce.ExistingType)
		case shift.AlreadyEnded:
			return "That shift has already ended"
		default:
			return "That shift changed, check it and try again"
		}
	case errors.As(err, &se):
		return "That shift was changed by someone else, try again"
	default:
		return "Something went wrong, try again shortly"
	}
}
