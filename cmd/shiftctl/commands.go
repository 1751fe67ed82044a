package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"shiftbot/internal/app"
	"shiftbot/internal/db/models"
	"shiftbot/internal/importer"
	"shiftbot/internal/shift"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	importType  string
	importSheet string

	wipeUser   string
	wipeType   string
	wipeBefore string
	wipeYes    bool

	profileUser string

	reconcileUser string

	tokenSubject string
	tokenTTL     time.Duration
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd.Context(), time.Minute)
		defer cancel()
		_, closeStore, err := app.OpenStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		closeStore()
		logger.Info("migration completed", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file.xlsx>",
	Short: "Import historical shifts from a workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		shiftType := importType
		if shiftType == "" {
			shiftType = cfg.Duty.DefaultType
		}
		parsed, err := importer.ParseWorkbook(f, importer.Options{
			Sheet:       importSheet,
			GuildID:     guildID,
			DefaultType: shiftType,
			Types:       cfg.Duty.ShiftType,
		})
		if err != nil {
			return fmt.Errorf("error reading %s: %w", args[0], err)
		}

		ctx, cancel := commandContext(cmd.Context(), 0)
		defer cancel()
		return withEngine(ctx, func(engine *shift.Engine) error {
			res := engine.ImportBatch(ctx, parsed.Records)
			for _, rowErr := range parsed.Failures {
				res.AddFailure(rowErr.Row, rowErr.Err)
			}
			printImport(cmd.OutOrStdout(), res)
			if res.Failed > 0 {
				return fmt.Errorf("%d rows failed", res.Failed)
			}
			return nil
		})
	},
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete shifts and reverse their profile contributions",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := shift.Filter{GuildID: guildID, UserID: wipeUser, Type: wipeType}
		if wipeBefore != "" {
			before, err := time.Parse("2006-01-02", wipeBefore)
			if err != nil {
				return fmt.Errorf("invalid --before %q, use YYYY-MM-DD", wipeBefore)
			}
			f.StartedBefore = before
		}
		if !wipeYes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Wipe shifts in guild %s?", guildID)) {
			return fmt.Errorf("aborted")
		}

		ctx, cancel := commandContext(cmd.Context(), 0)
		defer cancel()
		return withEngine(ctx, func(engine *shift.Engine) error {
			res, err := engine.WipeAll(ctx, f)
			if err != nil {
				return err
			}
			printWipe(cmd.OutOrStdout(), res)
			if len(res.Errors) > 0 {
				return fmt.Errorf("wipe incomplete, run it again to retry")
			}
			return nil
		})
	},
}

var voidCmd = &cobra.Command{
	Use:   "void <shift-id>",
	Short: "Delete one shift and reverse its profile contribution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid shift id %q", args[0])
		}

		ctx, cancel := commandContext(cmd.Context(), time.Minute)
		defer cancel()
		return withEngine(ctx, func(engine *shift.Engine) error {
			s, err := engine.Get(ctx, id)
			if err != nil {
				return err
			}
			if s.GuildID != guildID {
				return shift.ErrNotFound
			}
			voided, err := engine.Void(ctx, id)
			if voided == nil {
				return err
			}
			d := shift.DurationsAt(voided, engine.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "Voided %s shift %s of %s (on duty %s)\n", voided.Type, voided.ID, voided.UserID, d.OnDuty.Round(time.Second))
			return err
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show accumulated duty totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd.Context(), time.Minute)
		defer cancel()
		return withEngine(ctx, func(engine *shift.Engine) error {
			var profiles []*models.Profile
			if profileUser != "" {
				p, err := engine.Profile(ctx, profileUser, guildID)
				if err != nil {
					return err
				}
				profiles = append(profiles, p)
			} else {
				var err error
				if profiles, err = engine.Leaderboard(ctx, guildID); err != nil {
					return err
				}
			}
			return printProfiles(cmd.OutOrStdout(), profiles)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Credit ended shifts missing from their profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd.Context(), 0)
		defer cancel()
		return withEngine(ctx, func(engine *shift.Engine) error {
			res, err := engine.Reconcile(ctx, guildID, reconcileUser)
			if err != nil {
				return err
			}
			printReconcile(cmd.OutOrStdout(), res)
			if len(res.Errors) > 0 {
				return fmt.Errorf("reconcile incomplete, run it again to retry")
			}
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an HTTP API token for a guild",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.HTTP.JWTSecret == "" {
			return fmt.Errorf("http.jwt_secret is not set")
		}
		token, err := mintToken(cfg.HTTP.JWTSecret, guildID, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func mintToken(secret, guild, subject string, ttl time.Duration) (string, error) {
	claims := map[string]interface{}{"guild_id": guild, "sub": subject}
	jwtauth.SetIssuedNow(claims)
	if ttl > 0 {
		jwtauth.SetExpiryIn(claims, ttl)
	}
	_, token, err := jwtauth.New("HS256", []byte(secret), nil).Encode(claims)
	if err != nil {
		return "", fmt.Errorf("error signing token: %w", err)
	}
	return token, nil
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printImport(w io.Writer, res shift.ImportResult) {
	fmt.Fprintf(w, "%d imported, %d skipped, %d failed\n", res.Imported, res.Skipped, res.Failed)
	for _, row := range res.Rows {
		if row.Err != nil {
			fmt.Fprintf(w, "row %d: %v\n", row.Index, row.Err)
		}
	}
}

func printWipe(w io.Writer, res shift.WipeResult) {
	fmt.Fprintf(w, "matched %d, deleted %d, skipped %d, failed %d\n", res.Matched, res.Deleted, res.Skipped, res.Failed)
	fmt.Fprintf(w, "profiles updated %d, failed %d\n", res.ProfilesUpdated, res.ProfilesFailed)
	for _, err := range res.Errors {
		fmt.Fprintf(w, "error: %v\n", err)
	}
}

func printReconcile(w io.Writer, res shift.ReconcileResult) {
	fmt.Fprintf(w, "checked %d, credited %d, profiles failed %d\n", res.Checked, res.Credited, res.ProfilesFailed)
	for _, err := range res.Errors {
		fmt.Fprintf(w, "error: %v\n", err)
	}
}

func printProfiles(w io.Writer, profiles []*models.Profile) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tON DUTY\tON BREAK\tSHIFTS")
	for _, p := range profiles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.UserID, p.Totals.OnDuty.Round(time.Second), p.Totals.OnBreak.Round(time.Second), len(p.ShiftIDs))
	}
	return tw.Flush()
}
