package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"shiftbot/internal/config"
	"shiftbot/internal/db/models"
	"shiftbot/internal/shift"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the Postgres shift.Store.
type DB struct {
	*pgxpool.Pool
}

var _ shift.Store = (*DB)(nil)

func New(cfg config.DatabaseConfig) (*DB, error) {
	// Create a configuration object
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	// Configure connection pool and statement cache
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = 2
	if poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating connection pool: %w", err)
	}

	return &DB{pool}, nil
}

// Migrate runs every embedded migration in file name order. Migrations are
// idempotent so it is safe on every boot.
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		migration, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("error reading migration %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(migration)); err != nil {
			return fmt.Errorf("error executing migration %s: %w", name, err)
		}
	}
	return nil
}

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

const shiftColumns = `id, user_id, guild_id, type, start_time, end_time, breaks, events, on_duty_mod_ms, version, created_at`

// CreateShift inserts a new shift at version 1
func (db *DB) CreateShift(ctx context.Context, s *models.Shift) error {
	breaks, events, err := encodeShift(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO shifts (` + shiftColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)`

	_, err = db.Exec(ctx, query,
		s.ID.String(),
		s.UserID,
		s.GuildID,
		s.Type,
		s.StartTime,
		s.EndTime,
		breaks,
		events,
		s.OnDutyMod.Milliseconds(),
		s.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && s.EndTime == nil {
		return shift.ErrActiveExists
	}
	if err != nil {
		return fmt.Errorf("error creating shift: %w", err)
	}
	s.Version = 1
	return nil
}

// GetShift retrieves a shift by its ID
func (db *DB) GetShift(ctx context.Context, id uuid.UUID) (*models.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE id = $1`

	s, err := scanShift(db.QueryRow(ctx, query, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shift.ErrNotFound
	}
	return s, err
}

// GetActiveShift gets the active shift for a user if one exists
func (db *DB) GetActiveShift(ctx context.Context, userID, guildID string) (*models.Shift, error) {
	query := `
		SELECT ` + shiftColumns + `
		FROM shifts
		WHERE user_id = $1 AND guild_id = $2 AND end_time IS NULL
		ORDER BY start_time DESC
		LIMIT 1`

	s, err := scanShift(db.QueryRow(ctx, query, userID, guildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (db *DB) ListShifts(ctx context.Context, f shift.Filter) ([]*models.Shift, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.GuildID != "" {
		where = append(where, "guild_id = "+arg(f.GuildID))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Type != "" {
		where = append(where, "type = "+arg(f.Type))
	}
	if f.Active != nil {
		if *f.Active {
			where = append(where, "end_time IS NULL")
		} else {
			where = append(where, "end_time IS NOT NULL")
		}
	}
	if !f.StartedBefore.IsZero() {
		where = append(where, "start_time < "+arg(f.StartedBefore))
	}
	if !f.StartedAfter.IsZero() {
		where = append(where, "start_time >= "+arg(f.StartedAfter))
	}

	query := `SELECT ` + shiftColumns + ` FROM shifts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing shifts: %w", err)
	}
	defer rows.Close()
	return scanShifts(rows)
}

// SaveShift writes s if nobody else has since the version it was read at
func (db *DB) SaveShift(ctx context.Context, s *models.Shift) error {
	breaks, events, err := encodeShift(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE shifts
		SET type = $1, start_time = $2, end_time = $3, breaks = $4, events = $5,
			on_duty_mod_ms = $6, version = version + 1
		WHERE id = $7 AND version = $8`

	tag, err := db.Exec(ctx, query,
		s.Type,
		s.StartTime,
		s.EndTime,
		breaks,
		events,
		s.OnDutyMod.Milliseconds(),
		s.ID.String(),
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("error updating shift: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.missingOrConflict(ctx, s.ID)
	}
	s.Version++
	return nil
}

func (db *DB) DeleteShift(ctx context.Context, id uuid.UUID, version int64) error {
	tag, err := db.Exec(ctx, `DELETE FROM shifts WHERE id = $1 AND version = $2`, id.String(), version)
	if err != nil {
		return fmt.Errorf("error deleting shift: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.missingOrConflict(ctx, id)
	}
	return nil
}

func (db *DB) DeleteShifts(ctx context.Context, ids []uuid.UUID) ([]*models.Shift, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	list := make(pq.StringArray, len(ids))
	for i, id := range ids {
		list[i] = id.String()
	}

	query := `DELETE FROM shifts WHERE id = ANY($1::uuid[]) RETURNING ` + shiftColumns
	rows, err := db.Query(ctx, query, list)
	if err != nil {
		return nil, fmt.Errorf("error deleting shifts: %w", err)
	}
	defer rows.Close()
	return scanShifts(rows)
}

func (db *DB) GetProfile(ctx context.Context, userID, guildID string) (*models.Profile, error) {
	query := `
		SELECT user_id, guild_id, on_duty_ms, on_break_ms, shift_ids, updated_at
		FROM profiles
		WHERE user_id = $1 AND guild_id = $2`

	p, err := scanProfile(db.QueryRow(ctx, query, userID, guildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Profile{UserID: userID, GuildID: guildID, ShiftIDs: []uuid.UUID{}}, nil
	}
	return p, err
}

func (db *DB) ListProfiles(ctx context.Context, guildID string) ([]*models.Profile, error) {
	query := `
		SELECT user_id, guild_id, on_duty_ms, on_break_ms, shift_ids, updated_at
		FROM profiles
		WHERE guild_id = $1
		ORDER BY user_id`

	rows, err := db.Query(ctx, query, guildID)
	if err != nil {
		return nil, err
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

// ApplyProfileDelta locks the profile row, creating it first if needed, so
// concurrent deltas for one user serialise instead of overwriting shift_ids.
func (db *DB) ApplyProfileDelta(ctx context.Context, d models.ProfileDelta) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error starting profile transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO profiles (user_id, guild_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, guild_id) DO NOTHING`, d.UserID, d.GuildID)
	if err != nil {
		return fmt.Errorf("error creating profile: %w", err)
	}

	var current pq.StringArray
	err = tx.QueryRow(ctx, `
		SELECT shift_ids FROM profiles
		WHERE user_id = $1 AND guild_id = $2
		FOR UPDATE`, d.UserID, d.GuildID).Scan(&current)
	if err != nil {
		return fmt.Errorf("error reading profile: %w", err)
	}
	ids, err := parseIDs(current)
	if err != nil {
		return err
	}
	ids, total := d.Apply(ids)

	_, err = tx.Exec(ctx, `
		UPDATE profiles
		SET on_duty_ms = on_duty_ms + $1,
			on_break_ms = on_break_ms + $2,
			shift_ids = $3,
			updated_at = NOW()
		WHERE user_id = $4 AND guild_id = $5`,
		total.OnDuty.Milliseconds(),
		total.OnBreak.Milliseconds(),
		formatIDs(ids),
		d.UserID,
		d.GuildID,
	)
	if err != nil {
		return fmt.Errorf("error updating profile: %w", err)
	}
	return tx.Commit(ctx)
}

func (db *DB) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shifts WHERE id = $1)`, id.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("error checking shift: %w", err)
	}
	if !exists {
		return shift.ErrNotFound
	}
	return shift.ErrVersionConflict
}

// encodeShift returns breaks and events as JSON text. The simple protocol
// would send []byte as bytea.
func encodeShift(s *models.Shift) (breaks, events string, err error) {
	b, err := models.EncodeBreaks(s.Breaks)
	if err != nil {
		return "", "", err
	}
	e, err := models.EncodeEvents(s.Events)
	if err != nil {
		return "", "", err
	}
	return string(b), string(e), nil
}

func scanShift(row pgx.Row) (*models.Shift, error) {
	var (
		s              models.Shift
		breaks, events []byte
		modMs          int64
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.GuildID,
		&s.Type,
		&s.StartTime,
		&s.EndTime,
		&breaks,
		&events,
		&modMs,
		&s.Version,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.Breaks, err = models.DecodeBreaks(breaks); err != nil {
		return nil, err
	}
	if s.Events, err = models.DecodeEvents(events); err != nil {
		return nil, err
	}
	s.OnDutyMod = time.Duration(modMs) * time.Millisecond
	return &s, nil
}

func scanShifts(rows pgx.Rows) ([]*models.Shift, error) {
	var shifts []*models.Shift
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, s)
	}
	return shifts, rows.Err()
}

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var (
		p               models.Profile
		onDuty, onBreak int64
		ids             pq.StringArray
	)
	if err := row.Scan(&p.UserID, &p.GuildID, &onDuty, &onBreak, &ids, &p.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := parseIDs(ids)
	if err != nil {
		return nil, err
	}
	p.ShiftIDs = parsed
	p.Totals = models.Durations{
		OnDuty:  time.Duration(onDuty) * time.Millisecond,
		OnBreak: time.Duration(onBreak) * time.Millisecond,
	}
	return &p, nil
}

func parseIDs(raw pq.StringArray) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("bad shift id %q in profile: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatIDs(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
