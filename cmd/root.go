// Package cmd defines and implements the CLI commands for the sitemapwatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/api"
	"github.com/JakeFAU/sitemapwatch/internal/config"
	"github.com/JakeFAU/sitemapwatch/internal/discovery"
	"github.com/JakeFAU/sitemapwatch/internal/logging"
	"github.com/JakeFAU/sitemapwatch/internal/scheduler"
	"github.com/JakeFAU/sitemapwatch/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// ScanService is the scheduler surface the commands drive.
type ScanService interface {
	api.ScanService
	Wait()
}

// App is the application surface commands use. Tests inject a fake.
type App interface {
	Sites() api.SiteService
	Scans() ScanService
	Reap(ctx context.Context) (int, error)
	Migrate(ctx context.Context) error
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

type serverApp struct {
	*server.App
	logger *zap.Logger
}

func (a serverApp) Sites() api.SiteService { return a.Discovery() }

func (a serverApp) Scans() ScanService { return a.Scheduler() }

func (a serverApp) Reap(ctx context.Context) (int, error) {
	n, err := a.Reaper().Reap(ctx)
	if err != nil {
		return n, fmt.Errorf("reap: %w", err)
	}
	return n, nil
}

func (a serverApp) Logger() *zap.Logger { return a.logger }

var (
	_ api.SiteService = (*discovery.Service)(nil)
	_ ScanService     = (*scheduler.Scheduler)(nil)
)

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return serverApp{App: app, logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "sitemapwatch",
		Short: "Watches website sitemaps and reports URL-level changes.",
		Long: `sitemapwatch discovers the sitemaps a website publishes, rescans them on a
schedule with conditional fetches, and records every added, removed, or updated
URL. Completed scans are announced to webhooks and notification channels.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 30*time.Second)
			defer cancel()
			if err := appInstance.Close(ctx); err != nil {
				return fmt.Errorf("close application: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCmd(),
		newDiscoverCmd(),
		newScanCmd(),
		newCronCmd(),
		newDrainCmd(),
		newReapCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
