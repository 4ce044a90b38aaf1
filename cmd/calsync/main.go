package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"calsync/internal/config"
	"calsync/internal/duplicates"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/monitor"
	"calsync/internal/scheduler"
	"calsync/internal/web"
)

var (
	configPath string
	dryRunFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "calsync",
		Short:         "Register marked days from calendar photos into every configured calendar",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")

	runCmd := &cobra.Command{
		Use:   "run [image...]",
		Short: "Run one sync pass over the watched folder or the given images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				dryRun := a.dryRun(cmd)
				var (
					res any
					err error
				)
				if len(args) > 0 {
					res, err = a.workflow.RunFiles(ctx, args, dryRun)
				} else {
					res, err = a.workflow.Pass(ctx, dryRun)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Report what would be created without writing anything")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a pass now and then on the configured schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				s, err := a.scheduler(a.dryRun(cmd))
				if err != nil {
					return err
				}
				return s.Run(ctx)
			})
		},
	}
	watchCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Report what would be created without writing anything")

	var noWatch bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator API, and watch the folder unless --no-watch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if noWatch {
					return web.StartServer(ctx, a.cfg, a.ledger, a.workflow)
				}
				s, err := a.scheduler(a.dryRun(cmd))
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				done := make(chan struct{})
				go func() {
					defer close(done)
					_ = s.Run(ctx)
				}()
				err = web.StartServer(ctx, a.cfg, a.ledger, a.workflow)
				cancel()
				<-done
				return err
			})
		},
	}
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Only serve the API")
	serveCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Scheduled passes report without writing")

	rootCmd.AddCommand(runCmd, watchCmd, serveCmd, ledgerCmd(), duplicatesCmd())

	if err := rootCmd.Execute(); err != nil {
		appLog.Error("calsync failed", err)
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, model.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or reset the processed-file ledger",
	}

	var outcome string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List processed files, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.ledger.List(ctx)
				if err != nil {
					return err
				}
				if outcome != "" {
					filtered := make([]model.ProcessedFileRecord, 0, len(recs))
					for _, r := range recs {
						if string(r.Outcome) == outcome {
							filtered = append(filtered, r)
						}
					}
					recs = filtered
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	listCmd.Flags().StringVar(&outcome, "outcome", "", "Only show records with this outcome")

	var (
		all  bool
		file string
		hash string
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget processed files so the next pass handles them again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !all && file == "" && hash == "" {
				return fmt.Errorf("%w: one of --all, --file or --hash is required", model.ErrConfiguration)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if all {
					appLog.Info("clearing entire ledger")
					return a.ledger.ClearAll(ctx)
				}
				h := hash
				if file != "" {
					var err error
					if h, err = monitor.HashFile(file); err != nil {
						return fmt.Errorf("hash %s: %w", file, err)
					}
				}
				appLog.Info("clearing ledger record", "hash", h, "file", file)
				return a.ledger.Clear(ctx, h)
			})
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "Clear every record")
	clearCmd.Flags().StringVar(&file, "file", "", "Clear the record for this image")
	clearCmd.Flags().StringVar(&hash, "hash", "", "Clear the record with this content hash")
	clearCmd.MarkFlagsMutuallyExclusive("all", "file", "hash")

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func duplicatesCmd() *cobra.Command {
	var (
		year, month int
		title       string
		account     string
		keepPolicy  string
		apply       bool
	)
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Find days holding the same title more than once; --apply deletes the extras",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keep, err := duplicates.ParseKeepPolicy(keepPolicy)
			if err != nil {
				return err
			}
			if month < 1 || month > 12 {
				return fmt.Errorf("%w: --month must be 1-12, got %d", model.ErrConfiguration, month)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				accounts := make([]model.CalendarAccount, 0, len(a.cfg.Accounts))
				for _, acc := range a.cfg.Accounts {
					if !acc.Enabled {
						continue
					}
					if account != "" && account != acc.AccountID && account != acc.DisplayName {
						continue
					}
					accounts = append(accounts, acc)
				}
				if len(accounts) == 0 {
					return fmt.Errorf("%w: no enabled account matches %q", model.ErrConfiguration, account)
				}
				t := title
				if t == "" {
					t = a.cfg.Workflow.EventTitle
				}
				from, to := duplicates.MonthRange(year, time.Month(month))

				c := &duplicates.Cleaner{
					Calendar: a.calendar,
					Location: a.cfg.Location(),
					Keep:     keep,
					Retry:    a.cfg.RetryPolicy(),
				}
				rep, err := c.Run(ctx, accounts, from, to, t, apply)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
	now := time.Now()
	cmd.Flags().IntVar(&year, "year", now.Year(), "Year to audit")
	cmd.Flags().IntVar(&month, "month", int(now.Month()), "Month to audit (1-12)")
	cmd.Flags().StringVar(&title, "title", "", "Exact event title (default workflow.event_title)")
	cmd.Flags().StringVar(&account, "account", "", "Only this account id or name")
	cmd.Flags().StringVar(&keepPolicy, "keep-policy", string(duplicates.KeepFirst), "Which event survives: first or last created")
	cmd.Flags().BoolVar(&apply, "apply", false, "Delete the extras instead of previewing")
	return cmd
}

// withApp loads the config, builds the components and runs fn with a
// context cancelled on SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("effective config",
		"config_path", configPath,
		"timezone", cfg.Timezone,
		"ledger_driver", cfg.Ledger.Driver,
		"ledger_path", cfg.Ledger.Path,
		"policy", string(cfg.Sync.Policy),
		"accounts", len(cfg.Accounts),
		"monitor_path", cfg.Workflow.MonitorPath,
		"dry_run", a.dryRun(cmd),
	)
	return fn(ctx, a)
}

func (a *app) scheduler(dryRun bool) (*scheduler.Scheduler, error) {
	return scheduler.New(a.cfg.Workflow.Schedule, a.cfg.Location(), func(ctx context.Context) error {
		_, err := a.workflow.Pass(ctx, dryRun)
		return err
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
