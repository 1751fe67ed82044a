// Package api is the admin HTTP API over the shift engine.
package api

import (
	"context"
	"net/http"
	"time"

	"shiftbot/internal/config"
	"shiftbot/internal/db/models"
	"shiftbot/internal/duty"
	"shiftbot/internal/shift"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the part of shift.Engine the API exposes.
type Engine interface {
	Now() time.Time
	Get(ctx context.Context, id uuid.UUID) (*models.Shift, error)
	Shifts(ctx context.Context, f shift.Filter) ([]*models.Shift, error)
	Active(ctx context.Context, guildID string) ([]*models.Shift, error)
	End(ctx context.Context, id uuid.UUID, at time.Time) (*models.Shift, error)
	AdjustTime(ctx context.Context, id uuid.UUID, delta time.Duration) (*models.Shift, error)
	Void(ctx context.Context, id uuid.UUID) (*models.Shift, error)
	WipeAll(ctx context.Context, f shift.Filter) (shift.WipeResult, error)
	ImportBatch(ctx context.Context, records []shift.ImportRecord) shift.ImportResult
	Profile(ctx context.Context, userID, guildID string) (*models.Profile, error)
	Leaderboard(ctx context.Context, guildID string) ([]*models.Profile, error)
}

// Announcer forwards admin transitions to the audit and role sinks.
type Announcer interface {
	Announce(kind duty.EventKind, actorID string, previous duty.State, s *models.Shift) duty.Event
}

// Roster lists users seen on duty by external consumers.
type Roster interface {
	Roster(ctx context.Context, guildID string) ([]string, error)
}

type Config struct {
	Engine    Engine
	Announcer Announcer
	Roster    Roster
	JWTSecret string
	// Duty supplies the default and the known shift types for imports.
	Duty   config.DutyConfig
	Logger *zap.Logger
}

type Server struct {
	engine    Engine
	announcer Announcer
	roster    Roster
	auth      *jwtauth.JWTAuth
	duty      config.DutyConfig
	logger    *zap.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		engine:    cfg.Engine,
		announcer: cfg.Announcer,
		roster:    cfg.Roster,
		auth:      jwtauth.New("HS256", []byte(cfg.JWTSecret), nil),
		duty:      cfg.Duty,
		logger:    cfg.Logger.Named("api"),
	}
}

// Auth exposes the token authority, used by tooling to mint tokens.
func (s *Server) Auth() *jwtauth.JWTAuth {
	return s.auth
}

func (s *Server) Router() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.auth))
		r.Use(jwtauth.Authenticator(s.auth))

		r.Route("/v1/guilds/{guildID}", func(r chi.Router) {
			r.Use(guildScope)

			r.Get("/shifts", s.listShifts)
			r.Get("/on-duty", s.onDuty)
			r.Get("/profiles/{userID}", s.getProfile)
			r.Get("/leaderboard", s.leaderboard)
			r.Post("/shifts/{shiftID}/end", s.endShift)
			r.Patch("/shifts/{shiftID}/adjust", s.adjustShift)
			r.Delete("/shifts/{shiftID}", s.voidShift)
			r.Post("/wipe", s.wipe)
			r.Post("/import", s.importShifts)
		})
	})

	return router
}

// guildScope requires the token's guild_id claim to name the path guild or "*".
func guildScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			RespondWithError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		scope, _ := claims["guild_id"].(string)
		if scope != "*" && scope != chi.URLParam(r, "guildID") {
			RespondWithError(w, http.StatusForbidden, "token is not valid for this guild")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// actorID is the token subject, recorded as the actor of admin transitions.
func actorID(r *http.Request) string {
	_, claims, _ := jwtauth.FromContext(r.Context())
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	return "api"
}
