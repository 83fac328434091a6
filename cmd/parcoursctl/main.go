package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/access"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/config"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/db"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/dossiers"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/parcours"
)

var Version = "dev"

// app is the set of components an ops command works with
type app struct {
	db           *db.Database
	tracker      *parcours.Tracker
	synchronizer *dossiers.Synchronizer
}

// connect is replaced in tests
var connect = func(ctx context.Context) (*app, error) {
	cfg := config.Load()
	database, err := db.NewDatabaseWithRetry(3, time.Second)
	if err != nil {
		return nil, err
	}
	tracker := parcours.NewTracker(database, database, access.NewGuard(database))
	client := dossiers.NewClient(cfg.DSAPIURL, cfg.DSAPIToken, cfg.DSTimeout)
	return &app{
		db:           database,
		tracker:      tracker,
		synchronizer: dossiers.NewSynchronizer(database, client, tracker, cfg.DSDemarches),
	}, nil
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if a.db != nil {
		defer a.db.Close()
	}
	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "parcoursctl",
		Short:         "Operate on parcours and their external case files",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(syncAllCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(unarchiveCmd())
	rootCmd.AddCommand(affiliateCmd())
	return rootCmd
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseStage(s string) (models.Stage, error) {
	stage := models.Stage(strings.TrimSpace(s))
	if !stage.IsValid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return stage, nil
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <parcours-id> [stage]",
		Short: "Reconcile one parcours, or one of its stages, with the case-management platform",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stage models.Stage
			if len(args) == 2 {
				s, err := parseStage(args[1])
				if err != nil {
					return err
				}
				stage = s
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				if stage != "" {
					return a.synchronizer.SyncStage(ctx, args[0], stage)
				}
				return a.synchronizer.SyncAll(ctx, args[0])
			})
		},
	}
}

func syncAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-all",
		Short: "Reconcile every non-archived parcours with an open case file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.synchronizer.SyncActive(ctx)
			})
		},
	}
}

func linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <parcours-id> <stage> <external-number>",
		Short: "Attach an external case file to a stage",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStage(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.synchronizer.LinkCaseFile(ctx, args[0], stage, args[2])
			})
		},
	}
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <parcours-id>",
		Short: "Archive a parcours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if strings.TrimSpace(reason) == "" {
				return errors.New("--reason is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.tracker.SetArchived(ctx, models.SystemPrincipal, args[0], reason)
			})
		},
	}
	cmd.Flags().StringP("reason", "r", "", "Why the parcours is archived")
	return cmd
}

func unarchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unarchive <parcours-id>",
		Short: "Restore an archived parcours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.tracker.Unarchive(ctx, models.SystemPrincipal, args[0])
			})
		},
	}
}

func affiliateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "affiliate <user-id> [organization-id]",
		Short: "Attach an AMO agent to an organization, or detach it when no organization is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org := ""
			if len(args) == 2 {
				org = args[1]
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				if err := a.db.SetAffiliation(ctx, args[0], org); err != nil {
					return nil, err
				}
				return map[string]string{"user_id": args[0], "organization_id": org}, nil
			})
		},
	}
}
