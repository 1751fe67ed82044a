package bot

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"shiftbot/internal/config"
	"shiftbot/internal/db/models"
	"shiftbot/internal/duty"
	"shiftbot/internal/shift"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the part of shift.Engine the bot commands use.
type Engine interface {
	Now() time.Time
	Get(ctx context.Context, id uuid.UUID) (*models.Shift, error)
	Current(ctx context.Context, userID, guildID string) (*models.Shift, error)
	Active(ctx context.Context, guildID string) ([]*models.Shift, error)
	Shifts(ctx context.Context, f shift.Filter) ([]*models.Shift, error)
	End(ctx context.Context, id uuid.UUID, at time.Time) (*models.Shift, error)
	Void(ctx context.Context, id uuid.UUID) (*models.Shift, error)
	AdjustTime(ctx context.Context, id uuid.UUID, delta time.Duration) (*models.Shift, error)
	RecordEvent(ctx context.Context, id uuid.UUID, name string, delta int64) (*models.Shift, error)
	WipeAll(ctx context.Context, f shift.Filter) (shift.WipeResult, error)
	ImportBatch(ctx context.Context, records []shift.ImportRecord) shift.ImportResult
	Profile(ctx context.Context, userID, guildID string) (*models.Profile, error)
	Leaderboard(ctx context.Context, guildID string) ([]*models.Profile, error)
}

type Options struct {
	Config   *config.Config
	Session  *discordgo.Session
	Engine   Engine
	Machine  *duty.Machine
	Timeouts *duty.Timeouts
	Logger   *zap.Logger
}

type Bot struct {
	cfg        *config.Config
	session    *discordgo.Session
	engine     Engine
	machine    *duty.Machine
	timeouts   *duty.Timeouts
	logger     *zap.Logger
	httpClient *http.Client
	commands   []*discordgo.ApplicationCommand
	shutdownCh chan struct{}
	isShutdown bool
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// NewSession creates the Discord session with the intents the bot needs.
func NewSession(cfg config.DiscordConfig) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages
	return session, nil
}

func New(opts Options) *Bot {
	return &Bot{
		cfg:        opts.Config,
		session:    opts.Session,
		engine:     opts.Engine,
		machine:    opts.Machine,
		timeouts:   opts.Timeouts,
		logger:     opts.Logger.Named("bot"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		commands:   buildCommands(opts.Config.Duty),
		shutdownCh: make(chan struct{}),
	}
}

// Helper function to register commands for a guild
func (b *Bot) registerGuildCommands(guildID string) error {
	maxRetries := 3
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := b.registerGuildCommandsOnce(guildID)
		if err == nil {
			return nil
		}
		lastErr = err
		b.logger.Warn("command registration attempt failed",
			zap.String("guild_id", guildID),
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return fmt.Errorf("failed to register commands after %d attempts: %w", maxRetries, lastErr)
}

// registerGuildCommandsOnce replaces the guild's commands in one bulk overwrite.
func (b *Bot) registerGuildCommandsOnce(guildID string) error {
	registered, err := b.session.ApplicationCommandBulkOverwrite(b.cfg.Discord.ClientID, guildID, b.commands)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	b.logger.Info("registered commands", zap.String("guild_id", guildID), zap.Int("count", len(registered)))
	return nil
}

// Start connects to Discord and serves interactions until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("starting shiftbot")

	// Keep trying to connect until successful
	for {
		if _, err := b.session.User("@me"); err == nil {
			break
		} else {
			b.logger.Warn("failed to connect to Discord API, retrying in 5 seconds", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}

	b.session.AddHandler(b.handleReady)
	b.session.AddHandler(b.handleGuildCreate)
	b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.mu.Lock()
		if b.isShutdown {
			b.mu.Unlock()
			return
		}
		b.wg.Add(1)
		b.mu.Unlock()
		defer b.wg.Done()

		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			b.handleCommand(s, i)
		case discordgo.InteractionMessageComponent:
			b.handleComponent(s, i)
		}
	})

	for {
		if err := b.session.Open(); err == nil {
			break
		} else {
			b.logger.Warn("error opening Discord session, retrying in 5 seconds", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	b.logger.Info("session opened", zap.String("session_id", b.session.State.SessionID))

	<-ctx.Done()
	return b.Shutdown()
}

// Shutdown performs a graceful shutdown of the bot
func (b *Bot) Shutdown() error {
	b.mu.Lock()
	if b.isShutdown {
		b.mu.Unlock()
		return nil
	}
	b.isShutdown = true
	close(b.shutdownCh)
	b.mu.Unlock()

	b.logger.Info("waiting for active handlers to complete")
	b.wg.Wait()
	if b.timeouts != nil {
		b.timeouts.Stop()
	}

	b.logger.Info("closing Discord session")
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("error closing Discord session: %w", err)
	}
	return nil
}

func (b *Bot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("bot is ready", zap.Int("guilds", len(r.Guilds)))
}

// handleGuildCreate fires for every guild on connect and for guilds joined later.
func (b *Bot) handleGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if err := b.registerGuildCommands(g.ID); err != nil {
		b.logger.Error("error registering commands", zap.String("guild_id", g.ID), zap.String("guild", g.Name), zap.Error(err))
	}
}
