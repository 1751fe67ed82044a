// Package sqlite is a shift.Store on SQLite, used for single-node deployments
// and as the real SQL store in tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shiftbot/internal/db/models"
	"shiftbot/internal/shift"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const createShiftsTable = `
CREATE TABLE IF NOT EXISTS shifts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    guild_id TEXT NOT NULL,
    type TEXT NOT NULL,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER,
    breaks TEXT NOT NULL DEFAULT '[]',
    events TEXT NOT NULL DEFAULT '{}',
    on_duty_mod_ms INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1,
    created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS shifts_owner_idx ON shifts (guild_id, user_id, end_ms);
CREATE UNIQUE INDEX IF NOT EXISTS shifts_active_owner_idx ON shifts (guild_id, user_id) WHERE end_ms IS NULL;
`

const createProfilesTable = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id TEXT NOT NULL,
    guild_id TEXT NOT NULL,
    on_duty_ms INTEGER NOT NULL DEFAULT 0,
    on_break_ms INTEGER NOT NULL DEFAULT 0,
    shift_ids TEXT NOT NULL DEFAULT '[]',
    updated_ms INTEGER NOT NULL,
    PRIMARY KEY (user_id, guild_id)
);
`

const shiftColumns = `id, user_id, guild_id, type, start_ms, end_ms, breaks, events, on_duty_mod_ms, version, created_ms`

type Store struct {
	db *sql.DB
}

var _ shift.Store = (*Store)(nil)

// Open opens (and migrates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and serialises writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(createShiftsTable); err != nil {
		return fmt.Errorf("error creating shifts table: %w", err)
	}
	if _, err := s.db.Exec(createProfilesTable); err != nil {
		return fmt.Errorf("error creating profiles table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateShift(ctx context.Context, sh *models.Shift) error {
	breaks, err := models.EncodeBreaks(sh.Breaks)
	if err != nil {
		return err
	}
	events, err := models.EncodeEvents(sh.Events)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shifts (`+shiftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		sh.ID.String(),
		sh.UserID,
		sh.GuildID,
		sh.Type,
		sh.StartTime.UnixMilli(),
		nullableMillis(sh.EndTime),
		string(breaks),
		string(events),
		sh.OnDutyMod.Milliseconds(),
		sh.CreatedAt.UnixMilli(),
	)
	if err != nil && sh.EndTime == nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return shift.ErrActiveExists
	}
	if err != nil {
		return fmt.Errorf("error inserting shift: %w", err)
	}
	sh.Version = 1
	return nil
}

func (s *Store) GetShift(ctx context.Context, id uuid.UUID) (*models.Shift, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = ?`, id.String())
	sh, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shift.ErrNotFound
	}
	return sh, err
}

func (s *Store) GetActiveShift(ctx context.Context, userID, guildID string) (*models.Shift, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+` FROM shifts
		WHERE user_id = ? AND guild_id = ? AND end_ms IS NULL
		ORDER BY start_ms DESC
		LIMIT 1`, userID, guildID)
	sh, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sh, err
}

func (s *Store) ListShifts(ctx context.Context, f shift.Filter) ([]*models.Shift, error) {
	var (
		where []string
		args  []any
	)
	if f.GuildID != "" {
		where = append(where, "guild_id = ?")
		args = append(args, f.GuildID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Active != nil {
		if *f.Active {
			where = append(where, "end_ms IS NULL")
		} else {
			where = append(where, "end_ms IS NOT NULL")
		}
	}
	if !f.StartedBefore.IsZero() {
		where = append(where, "start_ms < ?")
		args = append(args, f.StartedBefore.UnixMilli())
	}
	if !f.StartedAfter.IsZero() {
		where = append(where, "start_ms >= ?")
		args = append(args, f.StartedAfter.UnixMilli())
	}

	query := `SELECT ` + shiftColumns + ` FROM shifts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_ms, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing shifts: %w", err)
	}
	defer rows.Close()
	return scanShifts(rows)
}

func (s *Store) SaveShift(ctx context.Context, sh *models.Shift) error {
	breaks, err := models.EncodeBreaks(sh.Breaks)
	if err != nil {
		return err
	}
	events, err := models.EncodeEvents(sh.Events)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE shifts
		SET type = ?, start_ms = ?, end_ms = ?, breaks = ?, events = ?, on_duty_mod_ms = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		sh.Type,
		sh.StartTime.UnixMilli(),
		nullableMillis(sh.EndTime),
		string(breaks),
		string(events),
		sh.OnDutyMod.Milliseconds(),
		sh.ID.String(),
		sh.Version,
	)
	if err != nil {
		return fmt.Errorf("error updating shift: %w", err)
	}
	if err := s.checkAffected(ctx, res, sh.ID); err != nil {
		return err
	}
	sh.Version++
	return nil
}

func (s *Store) DeleteShift(ctx context.Context, id uuid.UUID, version int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shifts WHERE id = ? AND version = ?`, id.String(), version)
	if err != nil {
		return fmt.Errorf("error deleting shift: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *Store) DeleteShifts(ctx context.Context, ids []uuid.UUID) ([]*models.Shift, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM shifts WHERE id IN (`+strings.Join(placeholders, ", ")+`) RETURNING `+shiftColumns,
		args...)
	if err != nil {
		return nil, fmt.Errorf("error deleting shifts: %w", err)
	}
	defer rows.Close()
	return scanShifts(rows)
}

func (s *Store) GetProfile(ctx context.Context, userID, guildID string) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, guild_id, on_duty_ms, on_break_ms, shift_ids, updated_ms
		FROM profiles WHERE user_id = ? AND guild_id = ?`, userID, guildID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.Profile{UserID: userID, GuildID: guildID, ShiftIDs: []uuid.UUID{}}, nil
	}
	return p, err
}

func (s *Store) ListProfiles(ctx context.Context, guildID string) ([]*models.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, guild_id, on_duty_ms, on_break_ms, shift_ids, updated_ms
		FROM profiles WHERE guild_id = ?
		ORDER BY user_id`, guildID)
	if err != nil {
		return nil, fmt.Errorf("error listing profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *Store) ApplyProfileDelta(ctx context.Context, d models.ProfileDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting profile transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT shift_ids FROM profiles WHERE user_id = ? AND guild_id = ?`,
		d.UserID, d.GuildID).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("error reading profile: %w", err)
	}
	ids, err := decodeIDs(raw)
	if err != nil {
		return err
	}
	ids, total := d.Apply(ids)
	encoded, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, guild_id, on_duty_ms, on_break_ms, shift_ids, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, guild_id) DO UPDATE SET
			on_duty_ms = on_duty_ms + excluded.on_duty_ms,
			on_break_ms = on_break_ms + excluded.on_break_ms,
			shift_ids = excluded.shift_ids,
			updated_ms = excluded.updated_ms`,
		d.UserID,
		d.GuildID,
		total.OnDuty.Milliseconds(),
		total.OnBreak.Milliseconds(),
		string(encoded),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error updating profile: %w", err)
	}
	return tx.Commit()
}

// checkAffected turns a zero-row optimistic write into ErrVersionConflict or
// ErrNotFound depending on whether the row still exists.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shifts WHERE id = ?`, id.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("error checking shift: %w", err)
	}
	if exists == 0 {
		return shift.ErrNotFound
	}
	return shift.ErrVersionConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShift(row scanner) (*models.Shift, error) {
	var (
		sh                 models.Shift
		id                 string
		startMs, createdMs int64
		endMs              sql.NullInt64
		breaks, events     string
		modMs              int64
	)
	err := row.Scan(&id, &sh.UserID, &sh.GuildID, &sh.Type, &startMs, &endMs, &breaks, &events, &modMs, &sh.Version, &createdMs)
	if err != nil {
		return nil, err
	}

	if sh.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad shift id %q: %w", id, err)
	}
	sh.StartTime = time.UnixMilli(startMs).UTC()
	if endMs.Valid {
		end := time.UnixMilli(endMs.Int64).UTC()
		sh.EndTime = &end
	}
	if sh.Breaks, err = models.DecodeBreaks([]byte(breaks)); err != nil {
		return nil, err
	}
	if sh.Events, err = models.DecodeEvents([]byte(events)); err != nil {
		return nil, err
	}
	sh.OnDutyMod = time.Duration(modMs) * time.Millisecond
	sh.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &sh, nil
}

func scanShifts(rows *sql.Rows) ([]*models.Shift, error) {
	var shifts []*models.Shift
	for rows.Next() {
		sh, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, sh)
	}
	return shifts, rows.Err()
}

func scanProfile(row scanner) (*models.Profile, error) {
	var (
		p               models.Profile
		onDuty, onBreak int64
		rawIDs          string
		updatedMs       int64
	)
	if err := row.Scan(&p.UserID, &p.GuildID, &onDuty, &onBreak, &rawIDs, &updatedMs); err != nil {
		return nil, err
	}
	ids, err := decodeIDs(rawIDs)
	if err != nil {
		return nil, err
	}
	p.ShiftIDs = ids
	p.Totals = models.Durations{
		OnDuty:  time.Duration(onDuty) * time.Millisecond,
		OnBreak: time.Duration(onBreak) * time.Millisecond,
	}
	p.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &p, nil
}

func decodeIDs(raw string) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	if raw == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("error decoding profile shift ids: %w", err)
	}
	return ids, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
