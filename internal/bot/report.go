package bot

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
	"time"

	"shiftbot/internal/shift"

	"github.com/bwmarrin/discordgo"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type leaderboardRow struct {
	UserID  string
	Name    string
	OnDuty  time.Duration
	OnBreak time.Duration
	Shifts  int
}

// periodWindow returns the [start, end) window for a report period. A zero
// start means all time.
func periodWindow(period string, now time.Time) (start, end time.Time, err error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case "", "all":
		return time.Time{}, time.Time{}, nil
	case "today":
		return today, today.AddDate(0, 0, 1), nil
	case "week":
		return today.AddDate(0, 0, -6), today.AddDate(0, 0, 1), nil
	case "month":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first, first.AddDate(0, 1, 0), nil
	case "last_month":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, -1, 0), first, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("invalid time period %q", period)
	}
}

// leaderboardRows totals time on duty per member. For all time it reads the
// profiles; for a period it sums the shifts started in the window, running
// shifts included at their live value.
func (b *Bot) leaderboardRows(ctx context.Context, guildID, period string) ([]leaderboardRow, error) {
	now := b.engine.Now()
	start, end, err := periodWindow(period, now)
	if err != nil {
		return nil, err
	}

	var rows []leaderboardRow
	if start.IsZero() {
		profiles, err := b.engine.Leaderboard(ctx, guildID)
		if err != nil {
			return nil, fmt.Errorf("error loading leaderboard: %w", err)
		}
		for _, p := range profiles {
			rows = append(rows, leaderboardRow{
				UserID:  p.UserID,
				OnDuty:  p.Totals.OnDuty,
				OnBreak: p.Totals.OnBreak,
				Shifts:  len(p.ShiftIDs),
			})
		}
	} else {
		shifts, err := b.engine.Shifts(ctx, shift.Filter{GuildID: guildID, StartedAfter: start, StartedBefore: end})
		if err != nil {
			return nil, fmt.Errorf("error loading shifts: %w", err)
		}
		byUser := make(map[string]*leaderboardRow)
		for _, sh := range shifts {
			row, ok := byUser[sh.UserID]
			if !ok {
				row = &leaderboardRow{UserID: sh.UserID}
				byUser[sh.UserID] = row
			}
			d := shift.DurationsAt(sh, now)
			row.OnDuty += d.OnDuty
			row.OnBreak += d.OnBreak
			row.Shifts++
		}
		for _, row := range byUser {
			rows = append(rows, *row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].OnDuty != rows[j].OnDuty {
			return rows[i].OnDuty > rows[j].OnDuty
		}
		return rows[i].UserID < rows[j].UserID
	})
	return rows, nil
}

func (b *Bot) handleLeaderboard(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.logCommand(s, i, "duty leaderboard")
	_, opts := commandOptions(i)
	period := stringOption(opts, "period")
	if period == "" {
		period = "all"
	}
	format := stringOption(opts, "format")
	if format == "" {
		format = "text"
	}

	if format != "text" && !isAdmin(i) {
		b.logger.Info("file export denied", zap.String("user_id", i.Member.User.ID), zap.String("guild_id", i.GuildID))
		respondWithError(s, i, "File formats are only available for administrators")
		return
	}

	rows, err := b.leaderboardRows(ctx, i.GuildID, period)
	if err != nil {
		b.logger.Error("error building leaderboard", zap.String("guild_id", i.GuildID), zap.Error(err))
		respondWithError(s, i, "Error retrieving duty history")
		return
	}
	if len(rows) == 0 {
		respondWithSuccess(s, i, "No duty time recorded for this period.")
		return
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	names := displayNames(ctx, s, i.GuildID, ids)
	for idx := range rows {
		rows[idx].Name = names[rows[idx].UserID]
	}

	var file *discordgo.File
	switch format {
	case "csv":
		data, err := leaderboardCSV(rows)
		if err != nil {
			respondWithError(s, i, "Error building CSV")
			return
		}
		file = &discordgo.File{
			Name:        fmt.Sprintf("duty_report_%s.csv", period),
			ContentType: "text/csv",
			Reader:      bytes.NewReader(data),
		}
	case "xlsx":
		data, err := leaderboardWorkbook(rows)
		if err != nil {
			b.logger.Error("error building workbook", zap.Error(err))
			respondWithError(s, i, "Error building workbook")
			return
		}
		file = &discordgo.File{
			Name:        fmt.Sprintf("duty_report_%s.xlsx", period),
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Reader:      bytes.NewReader(data),
		}
	}
	if file != nil {
		followup(s, i, &discordgo.WebhookParams{Files: []*discordgo.File{file}, Flags: discordgo.MessageFlagsEphemeral})
		return
	}

	respondWithSuccess(s, i, fmt.Sprintf("# Time on duty (%s)\n%s", periodLabel(period), leaderboardText(rows)))
}

func periodLabel(period string) string {
	return strings.ReplaceAll(period, "_", " ")
}

// Keeps the table inside one Discord message.
const maxTextRows = 30

func leaderboardText(rows []leaderboardRow) string {
	table := make([][]string, 0, len(rows))
	for idx, row := range rows {
		if idx == maxTextRows {
			break
		}
		table = append(table, []string{
			fmt.Sprintf("%d", idx+1),
			truncateString(row.Name, 20),
			formatDuration(row.OnDuty),
			formatDuration(row.OnBreak),
			fmt.Sprintf("%d", row.Shifts),
		})
	}
	return formatTable([]string{"#", "USER", "ON DUTY", "ON BREAK", "SHIFTS"}, table)
}

func leaderboardCSV(rows []leaderboardRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"user_id", "user", "on_duty_ms", "on_break_ms", "shifts"}); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := w.Write([]string{
			row.UserID,
			row.Name,
			fmt.Sprintf("%d", row.OnDuty.Milliseconds()),
			fmt.Sprintf("%d", row.OnBreak.Milliseconds()),
			fmt.Sprintf("%d", row.Shifts),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// leaderboardWorkbook writes the rows to a single sheet, durations in ms.
func leaderboardWorkbook(rows []leaderboardRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	if err := f.SetSheetRow(sheet, "A1", &[]interface{}{"user_id", "user", "on_duty_ms", "on_break_ms", "shifts"}); err != nil {
		return nil, err
	}
	for idx, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, idx+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &[]interface{}{
			row.UserID,
			row.Name,
			row.OnDuty.Milliseconds(),
			row.OnBreak.Milliseconds(),
			row.Shifts,
		}); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
