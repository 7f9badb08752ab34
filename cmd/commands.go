package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the periodic scan tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var (
		owner  string
		tags   string
		siteID string
	)
	cmd := &cobra.Command{
		Use:   "discover <root-url>",
		Short: "Registers a site and discovers its sitemaps",
		Long: `Registers the root URL for an owner and records every sitemap found through
robots.txt, the well-known locations, and sitemap indexes. With --site the
existing site is rediscovered instead; the root URL argument is then optional.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var root string
			if len(args) == 1 {
				root = args[0]
			}
			tagList := splitTags(tags)
			if siteID != "" {
				ref, err := app.Sites().Rediscover(cmd.Context(), siteID, owner, root, tagList)
				if err != nil {
					return fmt.Errorf("rediscover: %w", err)
				}
				return printJSON(cmd, ref)
			}
			if root == "" {
				return errors.New("root url is required")
			}
			ref, err := app.Sites().Discover(cmd.Context(), root, owner, tagList)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			return printJSON(cmd, ref)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id the site belongs to")
	cmd.Flags().StringVar(&tags, "tags", "", "comma separated tags")
	cmd.Flags().StringVar(&siteID, "site", "", "rediscover this existing site id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <site-id>",
		Short: "Scans one site now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := app.Scans().EnqueueScan(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			app.Scans().Wait()
			return printJSON(cmd, res)
		},
	}
}

func newCronCmd() *cobra.Command {
	var maxSites int
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Queues scans for every due site and waits for them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := app.Scans().CronScan(cmd.Context(), maxSites)
			if err != nil {
				return fmt.Errorf("cron: %w", err)
			}
			app.Scans().Wait()
			app.Logger().Info("cron pass complete",
				zap.Int("due", report.DueCount),
				zap.Int("processed", report.Processed),
				zap.Bool("skipped", report.Skipped),
			)
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().IntVar(&maxSites, "max-sites", 0, "cap on scans started (0 uses the configured cap)")
	return cmd
}

func newDrainCmd() *cobra.Command {
	var (
		maxConcurrent int
		async         bool
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Executes queued scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if async {
				report, err := app.Scans().StartQueuedScans(cmd.Context(), maxConcurrent)
				if err != nil {
					return fmt.Errorf("drain: %w", err)
				}
				return printJSON(cmd, report)
			}
			report, err := app.Scans().ProcessQueuedScans(cmd.Context(), maxConcurrent)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().IntVar(&maxConcurrent, "max", 1, "maximum queued scans to pick up")
	cmd.Flags().BoolVar(&async, "async", false, "start scans in the background and report immediately")
	return cmd
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fails scans stuck in queued or running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := app.Reap(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"reaped": n})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			app.Logger().Info("schema up to date")
			return nil
		},
	}
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
