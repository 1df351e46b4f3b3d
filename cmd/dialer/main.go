// Command dialer is the operator CLI: run campaigns, preview due lists, and
// issue API tokens, all against the same engine the daemon uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"calldirector/internal/auth"
	"calldirector/internal/config"
	"calldirector/internal/engine"
	"calldirector/pkg/logger"
	"calldirector/pkg/utils"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dialer",
		Short:         "Outbound reminder-call scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(runCmd(), dueCmd(), callCmd(), campaignsCmd(), tokenCmd())
	return root
}

// setup loads env config and wires the engine service. Called by every
// subcommand that talks to the outside world.
func setup(ctx context.Context) (*engine.Service, config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	svc, err := newService(ctx, cfg, log)
	if err != nil {
		return nil, config.Config{}, err
	}
	return svc, cfg, nil
}

func newService(ctx context.Context, cfg config.Config, log *slog.Logger) (*engine.Service, error) {
	if cfg.Redis.Addr == "" {
		log.Warn("REDIS_ADDR not set, hourly call budget will not survive restarts")
		return engine.NewService(cfg, nil, log)
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.Redis.Addr})
	if err != nil {
		return nil, err
	}
	return engine.NewService(cfg, rdb, log)
}

func runCmd() *cobra.Command {
	var all, dryRun bool
	cmd := &cobra.Command{
		Use:   "run [campaign...]",
		Short: "Run campaigns: place due calls and record outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, _, err := setup(ctx)
			if err != nil {
				return err
			}

			names := args
			if all {
				names = svc.Campaigns()
			}
			if len(names) == 0 {
				return fmt.Errorf("name at least one campaign or pass --all")
			}

			for _, name := range names {
				if dryRun {
					rep, err := svc.Plan(ctx, name)
					if err != nil {
						slog.Error("campaign plan failed", "campaign", name, "error", err)
						continue
					}
					fmt.Printf("%s (dry run): total=%d due=%d\n", name, rep.Total, len(rep.Due))
					continue
				}
				rep, err := svc.Run(ctx, name)
				if err != nil {
					slog.Error("campaign run failed", "campaign", name, "error", err)
					continue
				}
				fmt.Printf("%s: due=%d placed=%d recorded=%d failed=%d unrecorded=%d window_closed=%v\n",
					name, len(rep.Due), rep.Placed, rep.Recorded, rep.Failed, rep.Unrecorded, rep.WindowClosed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "run every configured campaign")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "select and report due records without placing calls")
	return cmd
}

func dueCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "due <campaign>",
		Short: "Preview today's due list without placing calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			svc, _, err := setup(ctx)
			if err != nil {
				return err
			}
			rep, err := svc.Plan(ctx, args[0])
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}

			fmt.Printf("%s on %s: %d records, %d due\n", rep.Campaign, rep.Date, rep.Total, len(rep.Due))
			for _, d := range rep.Due {
				fmt.Printf("  row %-4d stage %d  %-30s %s\n", d.Record.RowNumber, d.Stage, d.Record.Name, d.Reason)
			}
			for reason, n := range rep.Skipped {
				fmt.Printf("  skipped %-4d %s\n", n, reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the full report as JSON")
	return cmd
}

func callCmd() *cobra.Command {
	var row int
	var at string
	cmd := &cobra.Command{
		Use:   "call <campaign>",
		Short: "Call one row now, or schedule it, skipping the trigger-day check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, cfg, err := setup(ctx)
			if err != nil {
				return err
			}

			var notBefore *time.Time
			if at != "" {
				t, err := time.ParseInLocation("2006-01-02 15:04", at, cfg.Location())
				if err != nil {
					return fmt.Errorf("--at must be \"YYYY-MM-DD HH:MM\": %w", err)
				}
				notBefore = &t
			}

			rep, err := svc.CallRow(ctx, args[0], row, notBefore)
			if err != nil {
				return err
			}
			if notBefore != nil {
				fmt.Printf("%s row %d: scheduled=%d failed=%d for %s\n",
					args[0], row, rep.Placed, rep.Failed, notBefore.Format(time.RFC3339))
				return nil
			}
			fmt.Printf("%s row %d: placed=%d recorded=%d failed=%d\n",
				args[0], row, rep.Placed, rep.Recorded, rep.Failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&row, "row", 0, "sheet row number to call")
	cmd.Flags().StringVar(&at, "at", "", "defer dialing until this local time (YYYY-MM-DD HH:MM)")
	_ = cmd.MarkFlagRequired("row")
	return cmd
}

func campaignsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "campaigns",
		Short: "List campaigns configured in this environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range svc.Campaigns() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			tok, err := m.Issue(time.Now(), subject, role)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "who the token identifies")
	cmd.Flags().StringVar(&role, "role", auth.RoleViewer, "operator or viewer")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
