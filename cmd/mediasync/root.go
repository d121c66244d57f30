package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LeventeLantos/mediasync/internal/app"
	"github.com/LeventeLantos/mediasync/internal/config"
	"github.com/LeventeLantos/mediasync/internal/logging"
	"github.com/LeventeLantos/mediasync/internal/service"
)

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mediasync",
		Short:        "Media group caption synchronization",
		Long:         "Keeps analyzed caption content consistent across the records of each media group.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSweepCommand())
	cmd.AddCommand(newSyncCommand())
	cmd.AddCommand(newAnalyzeCommand())
	cmd.AddCommand(newMigrateCommand())

	return cmd
}

// withApp loads config, connects, and runs fn with the wired App.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App, logger *zerolog.Logger) error) error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.AppEnv, cfg.LogLevel)

	a, err := app.New(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a, &logger)
}

func newServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, logger *zerolog.Logger) error {
				if migrate {
					if err := a.Migrate(ctx); err != nil {
						return err
					}
				}
				if err := a.Serve(ctx); err != nil {
					return err
				}
				logger.Info().Msg("mediasync stopped")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations before serving")
	return cmd
}

func newSweepCommand() *cobra.Command {
	var (
		group string
		since string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep over groups with unfinished records",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ *zerolog.Logger) error {
				sum := a.Orchestrator.RunSweep(ctx, service.SweepOptions{GroupID: group, Since: from})
				if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
					return err
				}
				if sum.Error != "" {
					return fmt.Errorf("sweep failed: %s", sum.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "limit the sweep to one media group")
	cmd.Flags().StringVar(&since, "since", "", "only records updated since an RFC3339 time or a duration ago (e.g. 2h)")
	return cmd
}

func newSyncCommand() *cobra.Command {
	var (
		message string
		group   string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the media group of one record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ *zerolog.Logger) error {
				res, err := a.Orchestrator.HandleEvent(ctx, service.Event{MessageID: message, MediaGroupID: group})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().StringVar(&message, "message", "", "id of the record whose analysis completed")
	cmd.Flags().StringVar(&group, "group", "", "media group id (looked up when omitted)")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newAnalyzeCommand() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze one record's caption and sync its group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ *zerolog.Logger) error {
				msg, err := a.Orchestrator.Analyze(ctx, message, "")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msg)
			})
		},
	}

	cmd.Flags().StringVar(&message, "message", "", "id of the record to analyze")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, logger *zerolog.Logger) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				logger.Info().Msg("migrations applied")
				return nil
			})
		},
	}
}

// parseSince accepts an RFC3339 timestamp or a duration counted back from now.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("invalid --since %q: duration must be positive", raw)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC3339 or a duration", raw)
	}
	return t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
