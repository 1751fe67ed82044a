// Package importer turns spreadsheets of externally tracked duty time into
// shift import records.
package importer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"shiftbot/internal/config"
	"shiftbot/internal/shift"

	"github.com/xuri/excelize/v2"
)

// ErrNoRows is returned for a sheet without a header and at least one data row.
var ErrNoRows = errors.New("sheet must contain a header and at least one row")

type Options struct {
	// Sheet to read. Empty means "Sheet1", falling back to the first sheet.
	Sheet       string
	GuildID     string
	DefaultType string
	// Types rejects rows naming an unknown shift type. Nil accepts any type.
	Types TypeLookup
	// At stamps rows without a date column. Zero leaves it to the engine.
	At time.Time
}

// TypeLookup finds a configured shift type by name, e.g.
// config.DutyConfig.ShiftType.
type TypeLookup func(name string) (config.ShiftType, bool)

// Resolve returns the configured spelling of name.
func (l TypeLookup) Resolve(name string) (string, error) {
	if l == nil {
		return name, nil
	}
	t, ok := l(name)
	if !ok {
		return "", fmt.Errorf("unknown shift type %q", name)
	}
	return t.Name, nil
}

// Result holds the parsed records plus the rows that could not be parsed.
// Row numbers are 1-based sheet rows, the header being row 1.
type Result struct {
	Records  []shift.ImportRecord
	Failures []RowError
}

type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

var (
	userHeaders     = []string{"user_id", "user", "discord_id", "member"}
	durationHeaders = []string{"duration", "time", "on_duty", "total"}
	typeHeaders     = []string{"type", "shift_type"}
	dateHeaders     = []string{"date", "started_at"}
)

// ParseWorkbook reads an xlsx workbook.
func ParseWorkbook(r io.Reader, opts Options) (*Result, error) {
	xlsx, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("invalid workbook: %w", err)
	}
	defer xlsx.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheet = "Sheet1"
	}
	rows, err := xlsx.GetRows(sheet)
	if err != nil {
		if opts.Sheet != "" {
			return nil, fmt.Errorf("error reading sheet %q: %w", opts.Sheet, err)
		}
		sheets := xlsx.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrNoRows
		}
		if rows, err = xlsx.GetRows(sheets[0]); err != nil {
			return nil, fmt.Errorf("error reading sheet %q: %w", sheets[0], err)
		}
	}
	return ParseRows(rows, opts)
}

// ParseRows maps a header row plus data rows to records. Any other column
// whose every non-empty cell is a whole number becomes an event counter;
// columns holding text, such as notes, are ignored.
func ParseRows(rows [][]string, opts Options) (*Result, error) {
	if len(rows) < 2 {
		return nil, ErrNoRows
	}

	cols := columns{user: -1, duration: -1, typ: -1, date: -1, events: map[int]string{}}
	for i, h := range rows[0] {
		name := strings.ToLower(strings.TrimSpace(h))
		switch {
		case name == "":
		case contains(userHeaders, name):
			cols.user = i
		case contains(durationHeaders, name):
			cols.duration = i
		case contains(typeHeaders, name):
			cols.typ = i
		case contains(dateHeaders, name):
			cols.date = i
		default:
			cols.events[i] = name
		}
	}
	if cols.user < 0 || cols.duration < 0 {
		return nil, fmt.Errorf("header must name a user and a duration column")
	}
	for i := range cols.events {
		if !numeric(rows[1:], i) {
			delete(cols.events, i)
		}
	}

	result := &Result{}
	for i, row := range rows[1:] {
		rowNum := i + 2
		if blank(row) {
			continue
		}
		rec, err := cols.record(row, opts)
		if err != nil {
			result.Failures = append(result.Failures, RowError{Row: rowNum, Err: err})
			continue
		}
		rec.Row = rowNum
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

type columns struct {
	user, duration, typ, date int
	events                    map[int]string
}

func (c columns) record(row []string, opts Options) (shift.ImportRecord, error) {
	rec := shift.ImportRecord{
		GuildID: opts.GuildID,
		Type:    opts.DefaultType,
		At:      opts.At,
	}

	rec.UserID = normalizeUserID(cell(row, c.user))
	if rec.UserID == "" {
		return rec, fmt.Errorf("missing user")
	}

	d, err := ParseDuration(cell(row, c.duration))
	if err != nil {
		return rec, err
	}
	rec.OnDuty = d

	if t := cell(row, c.typ); t != "" {
		rec.Type = t
	}
	if rec.Type, err = opts.Types.Resolve(rec.Type); err != nil {
		return rec, err
	}
	if raw := cell(row, c.date); raw != "" {
		at, err := parseDate(raw)
		if err != nil {
			return rec, err
		}
		rec.At = at
	}

	for i, name := range c.events {
		raw := cell(row, i)
		if raw == "" {
			continue
		}
		n, _ := strconv.ParseInt(raw, 10, 64)
		if rec.Events == nil {
			rec.Events = make(map[string]int64)
		}
		rec.Events[name] = n
	}
	return rec, nil
}

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// ParseDuration accepts a Go duration ("2h30m"), a clock value "hh:mm" or
// "hh:mm:ss", or a whole number of milliseconds. Negative values and values
// too large for a time.Duration are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("missing duration")
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("duration %q is negative", s)
		}
		if ms > maxMillis {
			return 0, fmt.Errorf("duration %q is too large", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	if strings.Contains(s, ":") {
		return parseClock(s)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}

func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q, use hh:mm or hh:mm:ss", s)
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid hours value in %q", s)
	}
	if int64(hours) >= int64(math.MaxInt64/time.Hour) {
		return 0, fmt.Errorf("duration %q is too large", s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes >= 60 {
		return 0, fmt.Errorf("invalid minutes value in %q", s)
	}
	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute

	if len(parts) == 3 {
		seconds, err := strconv.Atoi(parts[2])
		if err != nil || seconds < 0 || seconds >= 60 {
			return 0, fmt.Errorf("invalid seconds value in %q", s)
		}
		d += time.Duration(seconds) * time.Second
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02", "01-02-06"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// normalizeUserID accepts a raw id or a <@id> / <@!id> mention.
func normalizeUserID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<@")
	s = strings.TrimPrefix(s, "!")
	s = strings.TrimSuffix(s, ">")
	return s
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// numeric reports whether every non-empty cell of column i is a whole number.
func numeric(rows [][]string, i int) bool {
	for _, row := range rows {
		raw := cell(row, i)
		if raw == "" {
			continue
		}
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return false
		}
	}
	return true
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
