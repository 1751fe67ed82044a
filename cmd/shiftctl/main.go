// Command shiftctl is the operator CLI for the shift store: bulk import and
// wipe, voiding single shifts, profile lookups and repair, migrations and
// API tokens.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shiftbot/internal/app"
	"shiftbot/internal/config"
	"shiftbot/internal/logging"
	"shiftbot/internal/shift"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	verbose    bool
	guildID    string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "shiftctl",
	Short:         "shiftctl - operator tooling for shiftbot",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// withEngine opens the configured store for the duration of fn.
func withEngine(ctx context.Context, fn func(*shift.Engine) error) error {
	store, closeStore, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(app.NewEngine(store, cfg.Duty, logger))
}

func commandContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	for _, cmd := range []*cobra.Command{importCmd, wipeCmd, voidCmd, profileCmd, reconcileCmd, tokenCmd} {
		cmd.Flags().StringVarP(&guildID, "guild", "g", "", "Guild id (\"*\" for every guild on token)")
		_ = cmd.MarkFlagRequired("guild")
	}

	importCmd.Flags().StringVar(&importType, "type", "", "Shift type for rows without a type column (default: duty.default_type)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "Sheet to read (default: Sheet1, then the first sheet)")

	wipeCmd.Flags().StringVar(&wipeUser, "user", "", "Only wipe this user's shifts")
	wipeCmd.Flags().StringVar(&wipeType, "type", "", "Only wipe shifts of this type")
	wipeCmd.Flags().StringVar(&wipeBefore, "before", "", "Only wipe shifts started before this date (YYYY-MM-DD)")
	wipeCmd.Flags().BoolVar(&wipeYes, "yes", false, "Skip the confirmation prompt")

	profileCmd.Flags().StringVar(&profileUser, "user", "", "Show a single user instead of the leaderboard")

	reconcileCmd.Flags().StringVar(&reconcileUser, "user", "", "Only reconcile this user's profile")

	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "shiftctl", "Subject recorded as the actor of API changes")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")

	rootCmd.AddCommand(migrateCmd, importCmd, wipeCmd, voidCmd, profileCmd, reconcileCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
