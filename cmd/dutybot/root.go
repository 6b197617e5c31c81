package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dutybot/internal/app"
	"dutybot/internal/cache"
	"dutybot/internal/domain"
	"dutybot/pkg/systemd"
)

type rootOptions struct {
	cfgPath string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dutybot",
		Short:         "Recurring maintenance reminders",
		Long:          "dutybot resolves recurring maintenance schedules into periods and emails assignees before each deadline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "bound for one-shot commands")

	root.AddCommand(
		newServeCmd(opts),
		newDispatchCmd(opts),
		newSyncCmd(opts),
		newPeriodCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger, HTTP API and config watcher until signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, opts.cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			_, _ = systemd.Ready()
			if st := a.Trigger().Status(); st.Enabled {
				_, _ = systemd.Status("dispatching on " + st.Schedule + " (" + st.Timezone + ")")
			} else {
				_, _ = systemd.Status("trigger disabled")
			}
			watchCtx, stopWatch := context.WithCancel(ctx)
			go func() {
				_ = systemd.Watchdog(watchCtx, func() bool { return a.Err() == nil })
			}()

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if ctx.Err() == nil {
					reason = app.StopFatalError
				}
			}
			stopWatch()
			_, _ = systemd.Stopping()

			stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelStop()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
}

func newDispatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				sum, err := a.Dispatch(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "sync [schedules|employees]...",
		Short:     "Rebuild cache snapshots (all kinds when none given)",
		ValidArgs: []string{string(domain.CacheSchedules), string(domain.CacheEmployees)},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{string(domain.CacheSchedules), string(domain.CacheEmployees)}
			}
			kinds := make([]domain.CacheKind, 0, len(args))
			for _, arg := range args {
				k, err := cache.ParseKind(arg)
				if err != nil {
					return err
				}
				kinds = append(kinds, k)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				results := make([]cache.Result, 0, len(kinds))
				for _, k := range kinds {
					res, err := a.Cache().Sync(ctx, k)
					if err != nil {
						return err
					}
					results = append(results, res)
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
}

func newPeriodCmd(opts *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "period <schedule-id>",
		Short: "Show the period, deadline and reminder instant of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return err
				}
				ref = t
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				p, err := a.Orchestrator().Preview(ctx, args[0], ref)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference instant (RFC3339, default now)")
	return cmd
}

// withApp builds the app for a one-shot command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	a, err := app.New(ctx, opts.cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
