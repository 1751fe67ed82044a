package bot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shiftbot/internal/duty"
	"shiftbot/internal/importer"
	"shiftbot/internal/shift"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxImportSize = 10 << 20

func userOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if opt, ok := opts[name]; ok {
		if u := opt.UserValue(nil); u != nil {
			return u.ID
		}
	}
	return ""
}

// guildShift parses a shift id option and loads the shift if it belongs to the guild.
func (b *Bot) guildShift(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		respondWithError(s, i, "Invalid shift id")
		return uuid.Nil, false
	}
	sh, err := b.engine.Get(ctx, id)
	if err != nil || sh.GuildID != i.GuildID {
		respondWithError(s, i, "Shift not found")
		return uuid.Nil, false
	}
	return id, true
}

func (b *Bot) handleAdminEnd(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "dutyadmin end")
	_, opts := commandOptions(i)
	userID := userOption(opts, "user")

	current, err := b.engine.Current(ctx, userID, i.GuildID)
	if err != nil {
		respondWithError(s, i, "Error checking the member's shift")
		return
	}
	if current == nil {
		respondWithError(s, i, fmt.Sprintf("<@%s> is not on shift", userID))
		return
	}

	previous := duty.StateOf(current)
	ended, err := b.engine.End(ctx, current.ID, b.engine.Now())
	if ended == nil {
		respondWithError(s, i, shiftErrorText(err))
		return
	}
	if err != nil {
		b.logger.Warn("admin end left profile stale", zap.String("shift_id", ended.ID.String()), zap.Error(err))
	}
	ev := b.machine.Announce(duty.EventEnded, i.Member.User.ID, previous, ended)
	respondWithSuccess(s, i, fmt.Sprintf("Ended <@%s>'s %s shift: %s on duty, %s on break.",
		userID, ended.Type, formatDuration(ev.Durations.OnDuty), formatDuration(ev.Durations.OnBreak)))
}

func (b *Bot) handleAdminVoid(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "dutyadmin void")
	_, opts := commandOptions(i)
	id, ok := b.guildShift(ctx, s, i, stringOption(opts, "shift"))
	if !ok {
		return
	}

	voided, err := b.engine.Void(ctx, id)
	if voided == nil {
		respondWithError(s, i, shiftErrorText(err))
		return
	}
	if err != nil {
		b.logger.Warn("admin void left profile stale", zap.String("shift_id", id.String()), zap.Error(err))
	}
	b.machine.Announce(duty.EventVoided, i.Member.User.ID, duty.StateOf(voided), voided)
	respondWithSuccess(s, i, fmt.Sprintf("Voided <@%s>'s %s shift `%s`.", voided.UserID, voided.Type, id))
}

func (b *Bot) handleAdminAdjust(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "dutyadmin adjust")
	_, opts := commandOptions(i)
	id, ok := b.guildShift(ctx, s, i, stringOption(opts, "shift"))
	if !ok {
		return
	}
	minutes := opts["minutes"].IntValue()

	adjusted, err := b.engine.AdjustTime(ctx, id, time.Duration(minutes)*time.Minute)
	if adjusted == nil {
		respondWithError(s, i, shiftErrorText(err))
		return
	}
	if err != nil {
		b.logger.Warn("admin adjust left profile stale", zap.String("shift_id", id.String()), zap.Error(err))
	}
	d := shift.DurationsAt(adjusted, b.engine.Now())
	respondWithSuccess(s, i, fmt.Sprintf("Adjusted shift `%s` by %+d minutes. On duty now %s.", id, minutes, formatDuration(d.OnDuty)))
}

func (b *Bot) handleAdminWipe(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "dutyadmin wipe")
	_, opts := commandOptions(i)

	f := shift.Filter{
		GuildID: i.GuildID,
		UserID:  userOption(opts, "user"),
		Type:    stringOption(opts, "type"),
	}
	if raw := stringOption(opts, "before"); raw != "" {
		before, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
		if err != nil {
			respondWithError(s, i, "Invalid date, use YYYY-MM-DD")
			return
		}
		f.StartedBefore = before
	}

	res, err := b.engine.WipeAll(ctx, f)
	if err != nil {
		b.logger.Error("wipe failed", zap.String("guild_id", i.GuildID), zap.Error(err))
		respondWithError(s, i, shiftErrorText(err))
		return
	}

	msg := fmt.Sprintf("Deleted %d of %d shifts, updated %d profiles.", res.Deleted, res.Matched, res.ProfilesUpdated)
	if res.Failed > 0 || res.ProfilesFailed > 0 {
		msg += fmt.Sprintf(" %d shifts and %d profiles failed, run the wipe again to retry.", res.Failed, res.ProfilesFailed)
	}
	respondWithSuccess(s, i, msg)
}

func (b *Bot) handleAdminImport(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "dutyadmin import")
	_, opts := commandOptions(i)

	opt, ok := opts["file"]
	if !ok {
		respondWithError(s, i, "A workbook is required")
		return
	}
	resolved := i.ApplicationCommandData().Resolved
	if resolved == nil || resolved.Attachments[fmt.Sprint(opt.Value)] == nil {
		respondWithError(s, i, "Attachment not found")
		return
	}
	attachment := resolved.Attachments[fmt.Sprint(opt.Value)]
	if attachment.Size > maxImportSize {
		respondWithError(s, i, "File is too large")
		return
	}

	data, err := b.download(ctx, attachment.URL)
	if err != nil {
		b.logger.Warn("error downloading import", zap.String("file", attachment.Filename), zap.Error(err))
		respondWithError(s, i, "Could not download the file")
		return
	}

	shiftType := stringOption(opts, "type")
	if shiftType == "" {
		shiftType = b.cfg.Duty.DefaultType
	}
	parsed, err := importer.ParseWorkbook(bytes.NewReader(data), importer.Options{
		GuildID:     i.GuildID,
		DefaultType: shiftType,
		Types:       b.cfg.Duty.ShiftType,
	})
	if err != nil {
		respondWithError(s, i, err.Error())
		return
	}

	res := b.engine.ImportBatch(ctx, parsed.Records)
	for _, f := range parsed.Failures {
		res.AddFailure(f.Row, f.Err)
	}
	respondWithSuccess(s, i, importSummary(attachment.Filename, res))
}

func (b *Bot) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImportSize))
}

// Discord messages are capped at 2000 characters; keep the error list short.
const maxReportedRowErrors = 10

func importSummary(filename string, res shift.ImportResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Imported %s: %d rows imported, %d skipped, %d failed.", filename, res.Imported, res.Skipped, res.Failed)
	shown := 0
	for _, row := range res.Rows {
		if row.Err == nil {
			continue
		}
		if shown == maxReportedRowErrors {
			fmt.Fprintf(&sb, "\n…and %d more", res.Failed-shown)
			break
		}
		fmt.Fprintf(&sb, "\nRow %d: %s", row.Index, truncateString(row.Err.Error(), 120))
		shown++
	}
	return sb.String()
}
