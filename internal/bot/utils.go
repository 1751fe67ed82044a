package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%s%dh %dm %ds", sign, h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%s%dm %ds", sign, m, s)
	}
	return fmt.Sprintf("%s%ds", sign, s)
}

// deferResponse acknowledges an interaction; the answer follows with followup.
func deferResponse(s *discordgo.Session, i *discordgo.InteractionCreate, ephemeral bool) error {
	data := &discordgo.InteractionResponseData{}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: data,
	})
}

// respondWithError answers a deferred interaction with an error message
func respondWithError(s *discordgo.Session, i *discordgo.InteractionCreate, errMsg string) {
	followup(s, i, &discordgo.WebhookParams{Content: "Error: " + errMsg, Flags: discordgo.MessageFlagsEphemeral})
}

// respondWithSuccess answers a deferred interaction
func respondWithSuccess(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	followup(s, i, &discordgo.WebhookParams{Content: msg, Flags: discordgo.MessageFlagsEphemeral})
}

func followup(s *discordgo.Session, i *discordgo.InteractionCreate, params *discordgo.WebhookParams) *discordgo.Message {
	msg, err := s.FollowupMessageCreate(i.Interaction, true, params)
	if err != nil {
		zap.L().Warn("error sending followup", zap.String("guild_id", i.GuildID), zap.Error(err))
		return nil
	}
	return msg
}

// interactionUser is the user behind i, in a guild or a DM.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// commandOptions flattens the options of a command or of its subcommand.
func commandOptions(i *discordgo.InteractionCreate) (sub string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	opts = make(map[string]*discordgo.ApplicationCommandInteractionDataOption)
	options := i.ApplicationCommandData().Options
	if len(options) == 1 && options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		sub = options[0].Name
		options = options[0].Options
	}
	for _, opt := range options {
		opts[opt.Name] = opt
	}
	return sub, opts
}

func stringOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if opt, ok := opts[name]; ok {
		return opt.StringValue()
	}
	return ""
}

// logCommand logs command execution and mirrors it to the log channel
func (b *Bot) logCommand(s *discordgo.Session, i *discordgo.InteractionCreate, commandName string, details ...string) {
	username := "unknown"
	if u := interactionUser(i); u != nil {
		username = u.Username
	}

	sub, opts := commandOptions(i)
	var params []string
	if sub != "" {
		params = append(params, sub)
	}
	for name, opt := range opts {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			params = append(params, fmt.Sprintf("%s:%s", name, opt.StringValue()))
		case discordgo.ApplicationCommandOptionInteger:
			params = append(params, fmt.Sprintf("%s:%d", name, opt.IntValue()))
		case discordgo.ApplicationCommandOptionUser:
			params = append(params, fmt.Sprintf("%s:%s", name, opt.Value))
		}
	}

	b.logger.Info("command executed",
		zap.String("guild_id", i.GuildID),
		zap.String("user", username),
		zap.String("command", commandName),
		zap.Strings("params", params),
		zap.Strings("details", details))

	logMessage := fmt.Sprintf("[%s] %s executed /%s", time.Now().UTC().Format("2006-01-02 15:04:05"), username, commandName)
	if len(params) > 0 {
		logMessage += fmt.Sprintf(" [%s]", strings.Join(params, ", "))
	}
	if len(details) > 0 {
		logMessage += fmt.Sprintf(" (%s)", strings.Join(details, " "))
	}
	b.sendServerLog(s, logMessage)
}

// sendServerLog sends a log message to the configured log channel
func (b *Bot) sendServerLog(s *discordgo.Session, message string) {
	if b.cfg.Discord.LogChannelID == "" {
		return
	}
	if _, err := s.ChannelMessageSend(b.cfg.Discord.LogChannelID, fmt.Sprintf("`%s`", message)); err != nil {
		b.logger.Warn("error sending log to Discord", zap.Error(err))
	}
}

// formatTable creates a Discord-friendly table with fixed-width columns
func formatTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = len(header)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var result strings.Builder
	result.WriteString("```\n")
	for i, header := range headers {
		result.WriteString(fmt.Sprintf("%-*s", widths[i]+2, header))
	}
	result.WriteString("\n")
	for _, width := range widths {
		result.WriteString(strings.Repeat("-", width+2))
	}
	result.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				result.WriteString(fmt.Sprintf("%-*s", widths[i]+2, cell))
			}
		}
		result.WriteString("\n")
	}
	result.WriteString("```")
	return result.String()
}

// Helper function to truncate strings that are too long
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// isAdmin reports whether the invoking member can manage the server.
// Interaction members carry their resolved channel permissions.
func isAdmin(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0
}

type memberLookup interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

// displayNames resolves user ids to guild display names, a few lookups at a
// time. Users that cannot be resolved keep their id.
func displayNames(ctx context.Context, session memberLookup, guildID string, userIDs []string) map[string]string {
	var mu sync.Mutex
	names := make(map[string]string, len(userIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range userIDs {
		id := id
		g.Go(func() error {
			name := id
			if member, err := session.GuildMember(guildID, id, discordgo.WithContext(gctx)); err == nil && member.User != nil {
				name = member.User.Username
				if member.Nick != "" {
					name = member.Nick
				}
			}
			mu.Lock()
			names[id] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return names
}
