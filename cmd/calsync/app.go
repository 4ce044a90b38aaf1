package main

import (
	"github.com/spf13/cobra"

	"calsync/internal/calendar"
	"calsync/internal/config"
	"calsync/internal/ics"
	"calsync/internal/ledger"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/monitor"
	"calsync/internal/notify"
	"calsync/internal/orchestrator"
	"calsync/internal/vision"
	"calsync/internal/workflow"
)

type app struct {
	cfg      *config.Config
	ledger   ledger.Store
	calendar calendar.Calendar
	workflow *workflow.Workflow
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := ledger.Open(cfg.Ledger.Driver, cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	cal := calendar.NewRouter().
		Register(model.ProviderGoogle, calendar.NewGoogle()).
		Register(model.ProviderICS, calendar.NewICSFile(ics.NewFetcher(cfg.ICSCacheDir)))

	var messenger notify.Messenger
	if cfg.Gmail.Enabled {
		messenger = notify.NewGmail(cfg.Gmail.CredentialsFile, cfg.Gmail.TokenFile, cfg.Gmail.From)
	}
	notifier := notify.New(messenger, notify.Config{
		Enabled:          cfg.Gmail.Enabled,
		DefaultRecipient: cfg.Gmail.DefaultRecipient,
		DefaultSubject:   cfg.Gmail.DefaultSubject,
	})

	orch := &orchestrator.Orchestrator{
		Calendar:      cal,
		Ledger:        store,
		Notifier:      notifier,
		Location:      cfg.Location(),
		Policy:        cfg.Sync.Policy,
		Concurrency:   cfg.Sync.Concurrency,
		CalendarRetry: cfg.RetryPolicy(),
	}

	var scanner *monitor.Scanner
	if cfg.Workflow.MonitorPath != "" {
		scanner = monitor.New(cfg.Workflow.MonitorPath, store)
	}
	if cfg.Vision.APIKey == "" {
		appLog.Info("vision api key is not set; images will fail extraction until it is configured")
	}

	wf := &workflow.Workflow{
		Scanner: scanner,
		Extractor: vision.New(vision.Config{
			APIKey:    cfg.Vision.APIKey,
			BaseURL:   cfg.Vision.APIBase,
			Model:     cfg.Vision.Model,
			Marker:    cfg.Vision.Marker,
			MaxTokens: cfg.Vision.MaxTokens,
			Timeout:   cfg.Vision.Timeout,
		}),
		Runner:      orch,
		Ledger:      store,
		Accounts:    cfg.Accounts,
		Title:       cfg.Workflow.EventTitle,
		Description: cfg.Workflow.EventDescription,
	}

	return &app{cfg: cfg, ledger: store, calendar: cal, workflow: wf}, nil
}

// dryRun returns the --dry-run flag when it was set explicitly, so
// --dry-run=false overrides the config; otherwise workflow.dry_run.
func (a *app) dryRun(cmd *cobra.Command) bool {
	if f := cmd.Flags().Lookup("dry-run"); f != nil && f.Changed {
		return dryRunFlag
	}
	return a.cfg.Workflow.DryRun
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		appLog.Error("failed to close ledger", err)
	}
}
