package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shiftbot/internal/api"
	"shiftbot/internal/app"
	"shiftbot/internal/audit"
	"shiftbot/internal/bot"
	"shiftbot/internal/config"
	"shiftbot/internal/duty"
	"shiftbot/internal/logging"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	defaultPath := os.Getenv("SHIFTBOT_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := pflag.StringP("config", "c", defaultPath, "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Discord.Token == "" {
		log.Fatal("discord.token is required")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("shiftbot stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("application shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := app.NewEngine(store, cfg.Duty, logger)
	dispatcher := duty.NewDispatcher(logger, cfg.Duty.SideEffectTimeout)
	defer dispatcher.Close()

	session, err := bot.NewSession(cfg.Discord)
	if err != nil {
		return err
	}
	presenter := bot.NewPresenter(session, logger)
	members := bot.NewMembers(session, cfg.Duty, logger)

	sinks := []duty.AuditSink{
		audit.NewLogSink(logger),
		bot.NewChannelSink(session, cfg.Discord.LogChannelID),
	}
	var roster api.Roster
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, audit stream will retry per event", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		redisSink := audit.NewRedisSink(client, cfg.Redis.Stream, cfg.Redis.StreamMaxLen)
		sinks = append(sinks, redisSink)
		roster = redisSink
	}

	machine := duty.NewMachine(duty.MachineConfig{
		Engine:      engine,
		Permissions: members,
		Presenter:   presenter,
		Audit:       sinks,
		Roles:       members,
		Dispatcher:  dispatcher,
		Logger:      logger,
		MaxAge:      cfg.Duty.PromptMaxAge,
	})
	timeouts := duty.NewTimeouts(cfg.Duty.PromptTimeout, presenter, dispatcher)

	discordBot := bot.New(bot.Options{
		Config:   cfg,
		Session:  session,
		Engine:   engine,
		Machine:  machine,
		Timeouts: timeouts,
		Logger:   logger,
	})

	var srv *http.Server
	if cfg.HTTP.Enabled {
		server := api.NewServer(api.Config{
			Engine:    engine,
			Announcer: machine,
			Roster:    roster,
			JWTSecret: cfg.HTTP.JWTSecret,
			Duty:      cfg.Duty,
			Logger:    logger,
		})
		srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http api listening", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http api failed", zap.Error(err))
				cancel()
			}
		}()
	}

	botErr := make(chan error, 1)
	go func() {
		botErr <- discordBot.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		err = <-botErr
	case err = <-botErr:
		cancel()
	}
	var runErr error
	if err != nil && !errors.Is(err, context.Canceled) {
		runErr = err
	}

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down http api", zap.Error(err))
		}
		stop()
	}
	if err := discordBot.Shutdown(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
