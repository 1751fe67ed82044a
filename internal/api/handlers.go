package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shiftbot/internal/db/models"
	"shiftbot/internal/duty"
	"shiftbot/internal/importer"
	"shiftbot/internal/shift"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxUploadSize = 10 << 20

type breakJSON struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end"`
}

type shiftJSON struct {
	ID          uuid.UUID        `json:"id"`
	UserID      string           `json:"user_id"`
	GuildID     string           `json:"guild_id"`
	Type        string           `json:"type"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     *time.Time       `json:"end_time"`
	Active      bool             `json:"active"`
	Breaks      []breakJSON      `json:"breaks"`
	Events      map[string]int64 `json:"events"`
	OnDutyModMs int64            `json:"on_duty_mod_ms"`
	OnDutyMs    int64            `json:"on_duty_ms"`
	OnBreakMs   int64            `json:"on_break_ms"`
	Version     int64            `json:"version"`
}

func toShiftJSON(s *models.Shift, now time.Time) shiftJSON {
	d := shift.DurationsAt(s, now)
	out := shiftJSON{
		ID:          s.ID,
		UserID:      s.UserID,
		GuildID:     s.GuildID,
		Type:        s.Type,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		Active:      s.Active(),
		Breaks:      make([]breakJSON, len(s.Breaks)),
		Events:      s.Events,
		OnDutyModMs: s.OnDutyMod.Milliseconds(),
		OnDutyMs:    d.OnDuty.Milliseconds(),
		OnBreakMs:   d.OnBreak.Milliseconds(),
		Version:     s.Version,
	}
	for i, b := range s.Breaks {
		out.Breaks[i] = breakJSON{Start: b.Start, End: b.End}
	}
	return out
}

type profileJSON struct {
	UserID    string      `json:"user_id"`
	GuildID   string      `json:"guild_id"`
	OnDutyMs  int64       `json:"on_duty_ms"`
	OnBreakMs int64       `json:"on_break_ms"`
	ShiftIDs  []uuid.UUID `json:"shift_ids"`
}

func toProfileJSON(p *models.Profile) profileJSON {
	ids := p.ShiftIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return profileJSON{
		UserID:    p.UserID,
		GuildID:   p.GuildID,
		OnDutyMs:  p.Totals.OnDuty.Milliseconds(),
		OnBreakMs: p.Totals.OnBreak.Milliseconds(),
		ShiftIDs:  ids,
	}
}

func (s *Server) listShifts(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	shifts, err := s.engine.Shifts(r.Context(), f)
	if err != nil {
		s.logger.Error("error listing shifts", zap.Error(err))
		respondWithShiftError(w, err)
		return
	}

	now := s.engine.Now()
	out := make([]shiftJSON, 0, len(shifts))
	for _, sh := range shifts {
		out = append(out, toShiftJSON(sh, now))
	}
	RespondWithJSON(w, http.StatusOK, out)
}

func filterFromQuery(r *http.Request) (shift.Filter, error) {
	q := r.URL.Query()
	f := shift.Filter{
		GuildID: chi.URLParam(r, "guildID"),
		UserID:  q.Get("user_id"),
		Type:    q.Get("type"),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("active must be true or false")
		}
		f.Active = shift.Bool(active)
	}
	for name, dst := range map[string]*time.Time{"before": &f.StartedBefore, "after": &f.StartedAfter} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.New(name + " must be an RFC3339 timestamp")
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) onDuty(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	if s.roster != nil {
		users, err := s.roster.Roster(r.Context(), guildID)
		if err == nil {
			RespondWithJSON(w, http.StatusOK, map[string][]string{"user_ids": nonNil(users)})
			return
		}
		s.logger.Warn("roster unavailable, falling back to store", zap.Error(err))
	}

	shifts, err := s.engine.Active(r.Context(), guildID)
	if err != nil {
		respondWithShiftError(w, err)
		return
	}
	users := make([]string, 0, len(shifts))
	for _, sh := range shifts {
		users = append(users, sh.UserID)
	}
	RespondWithJSON(w, http.StatusOK, map[string][]string{"user_ids": users})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Profile(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "guildID"))
	if err != nil {
		respondWithShiftError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, toProfileJSON(p))
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.engine.Leaderboard(r.Context(), chi.URLParam(r, "guildID"))
	if err != nil {
		respondWithShiftError(w, err)
		return
	}
	out := make([]profileJSON, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toProfileJSON(p))
	}
	RespondWithJSON(w, http.StatusOK, out)
}

// guildShift loads the path shift and hides shifts of other guilds.
func (s *Server) guildShift(w http.ResponseWriter, r *http.Request) (*models.Shift, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "shiftID"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid shift id")
		return nil, false
	}
	sh, err := s.engine.Get(r.Context(), id)
	if err == nil && sh.GuildID != chi.URLParam(r, "guildID") {
		err = shift.ErrNotFound
	}
	if err != nil {
		respondWithShiftError(w, err)
		return nil, false
	}
	return sh, true
}

func (s *Server) endShift(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.guildShift(w, r)
	if !ok {
		return
	}
	previous := duty.StateOf(sh)
	ended, err := s.engine.End(r.Context(), sh.ID, s.engine.Now())
	if err != nil && ended == nil {
		respondWithShiftError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("shift ended with profile error", zap.String("shift_id", sh.ID.String()), zap.Error(err))
	}
	s.announce(duty.EventEnded, r, previous, ended)
	RespondWithJSON(w, http.StatusOK, toShiftJSON(ended, s.engine.Now()))
}

type adjustRequest struct {
	// Delta is a signed Go duration such as "-15m".
	Delta string `json:"delta"`
}

func (s *Server) adjustShift(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	delta, err := time.ParseDuration(strings.TrimSpace(req.Delta))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "delta must be a duration such as 15m or -1h")
		return
	}

	sh, ok := s.guildShift(w, r)
	if !ok {
		return
	}
	adjusted, err := s.engine.AdjustTime(r.Context(), sh.ID, delta)
	if err != nil && adjusted == nil {
		respondWithShiftError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("shift adjusted with profile error", zap.String("shift_id", sh.ID.String()), zap.Error(err))
	}
	RespondWithJSON(w, http.StatusOK, toShiftJSON(adjusted, s.engine.Now()))
}

func (s *Server) voidShift(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.guildShift(w, r)
	if !ok {
		return
	}
	voided, err := s.engine.Void(r.Context(), sh.ID)
	if err != nil && voided == nil {
		respondWithShiftError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("shift voided with profile error", zap.String("shift_id", sh.ID.String()), zap.Error(err))
	}
	s.announce(duty.EventVoided, r, duty.StateOf(voided), voided)
	w.WriteHeader(http.StatusNoContent)
}

type wipeRequest struct {
	UserID string     `json:"user_id"`
	Type   string     `json:"type"`
	Before *time.Time `json:"before"`
	After  *time.Time `json:"after"`
}

type wipeResponse struct {
	Matched         int      `json:"matched"`
	Deleted         int      `json:"deleted"`
	Skipped         int      `json:"skipped"`
	Failed          int      `json:"failed"`
	ProfilesUpdated int      `json:"profiles_updated"`
	ProfilesFailed  int      `json:"profiles_failed"`
	Errors          []string `json:"errors"`
}

func (s *Server) wipe(w http.ResponseWriter, r *http.Request) {
	var req wipeRequest
	// An empty body wipes the whole guild.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		RespondWithError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	f := shift.Filter{GuildID: chi.URLParam(r, "guildID"), UserID: req.UserID, Type: req.Type}
	if req.Before != nil {
		f.StartedBefore = *req.Before
	}
	if req.After != nil {
		f.StartedAfter = *req.After
	}

	res, err := s.engine.WipeAll(r.Context(), f)
	if err != nil {
		respondWithShiftError(w, err)
		return
	}
	out := wipeResponse{
		Matched:         res.Matched,
		Deleted:         res.Deleted,
		Skipped:         res.Skipped,
		Failed:          res.Failed,
		ProfilesUpdated: res.ProfilesUpdated,
		ProfilesFailed:  res.ProfilesFailed,
		Errors:          []string{},
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	status := http.StatusOK
	if res.Failed > 0 || res.ProfilesFailed > 0 {
		status = http.StatusMultiStatus
	}
	RespondWithJSON(w, status, out)
}

type importRecordJSON struct {
	UserID   string           `json:"user_id"`
	Duration string           `json:"duration"`
	Type     string           `json:"type"`
	Date     *time.Time       `json:"date"`
	Events   map[string]int64 `json:"events"`
}

type importRequest struct {
	Type    string             `json:"type"`
	Records []importRecordJSON `json:"records"`
}

type importRowJSON struct {
	Row     int        `json:"row"`
	ShiftID *uuid.UUID `json:"shift_id,omitempty"`
	Skipped bool       `json:"skipped,omitempty"`
	Error   string     `json:"error,omitempty"`
}

type importResponse struct {
	Imported int             `json:"imported"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
	Rows     []importRowJSON `json:"rows"`
}

// importShifts takes either a JSON body or a multipart xlsx upload in "file".
func (s *Server) importShifts(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	var (
		records  []shift.ImportRecord
		failures []importer.RowError
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			RespondWithError(w, http.StatusBadRequest, "invalid upload")
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, "file not found")
			return
		}
		defer file.Close()

		shiftType := r.FormValue("type")
		if shiftType == "" {
			shiftType = s.duty.DefaultType
		}
		parsed, err := importer.ParseWorkbook(file, importer.Options{
			Sheet:       r.FormValue("sheet"),
			GuildID:     guildID,
			DefaultType: shiftType,
			Types:       s.duty.ShiftType,
		})
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		records, failures = parsed.Records, parsed.Failures
	} else {
		var req importRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondWithError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.Type == "" {
			req.Type = s.duty.DefaultType
		}
		types := importer.TypeLookup(s.duty.ShiftType)
		for i, rec := range req.Records {
			row := i + 1
			d, err := importer.ParseDuration(rec.Duration)
			if err != nil {
				failures = append(failures, importer.RowError{Row: row, Err: err})
				continue
			}
			shiftType := req.Type
			if rec.Type != "" {
				shiftType = rec.Type
			}
			if shiftType, err = types.Resolve(shiftType); err != nil {
				failures = append(failures, importer.RowError{Row: row, Err: err})
				continue
			}
			ir := shift.ImportRecord{
				Row:     row,
				UserID:  rec.UserID,
				GuildID: guildID,
				Type:    shiftType,
				OnDuty:  d,
				Events:  rec.Events,
			}
			if rec.Date != nil {
				ir.At = *rec.Date
			}
			records = append(records, ir)
		}
	}

	res := s.engine.ImportBatch(r.Context(), records)
	for _, f := range failures {
		res.AddFailure(f.Row, f.Err)
	}

	out := importResponse{Imported: res.Imported, Skipped: res.Skipped, Failed: res.Failed, Rows: []importRowJSON{}}
	for _, row := range res.Rows {
		rj := importRowJSON{Row: row.Index, Skipped: row.Skipped}
		if row.Err != nil {
			rj.Error = row.Err.Error()
		} else if !row.Skipped {
			id := row.ShiftID
			rj.ShiftID = &id
		}
		out.Rows = append(out.Rows, rj)
	}
	RespondWithJSON(w, http.StatusOK, out)
}

func (s *Server) announce(kind duty.EventKind, r *http.Request, previous duty.State, sh *models.Shift) {
	if s.announcer == nil || sh == nil {
		return
	}
	s.announcer.Announce(kind, actorID(r), previous, sh)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
