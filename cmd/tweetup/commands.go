package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tweetup/internal/app"
	"tweetup/internal/config"
	"tweetup/internal/policy"
	"tweetup/internal/registry"
	"tweetup/internal/storage"
	logx "tweetup/pkg/logx"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tweetup",
		Short:   "Reminder scheduling daemon for saved tweets",
		Version: version,
		Long: `tweetup keeps a durable schedule of reminders and fires each one at the
time computed by its recurrence policy (fixed time of day, random interval
or cron), delivering it to the configured sinks.
`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(serveCmd(), nextCmd(), listCmd(), checkCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSIGTERM
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
}

func nextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Preview the next fire times of a policy",
		Long: `tweetup next --policy "09:00 mon-fri" [--from 2024-01-01T08:00:00Z] [--count 5]

Policies: "HH:MM[:SS] [weekdays] [tz=Zone]", "random:MIN-MAX", "cron:EXPR", "@daily".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _ := cmd.Flags().GetString("policy")
			fromRaw, _ := cmd.Flags().GetString("from")
			count, _ := cmd.Flags().GetInt("count")
			tz, _ := cmd.Flags().GetString("tz")

			p, err := policy.Parse(raw)
			if err != nil {
				return err
			}
			from := time.Now()
			if strings.TrimSpace(fromRaw) != "" {
				if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			if count <= 0 {
				return fmt.Errorf("--count must be > 0")
			}

			opts := []policy.Option{}
			if tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return fmt.Errorf("--tz: %w", err)
				}
				opts = append(opts, policy.WithLocation(loc))
			}
			if cmd.Flags().Changed("seed") {
				seed, _ := cmd.Flags().GetInt64("seed")
				opts = append(opts, policy.WithSource(policy.NewSource(seed)))
			}

			times, err := registry.Preview(policy.NewEvaluator(opts...), p, from, count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy: %s\n", p)
			for _, t := range times {
				fmt.Fprintln(out, t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringP("policy", "p", "", "recurrence policy")
	cmd.Flags().String("from", "", "reference time (RFC3339); default now")
	cmd.Flags().IntP("count", "n", 5, "number of fire times")
	cmd.Flags().Int64("seed", 0, "seed for random-interval policies")
	cmd.Flags().String("tz", "", "default timezone")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

// openStore loads the config and opens its store without starting the daemon.
func openStore(cmd *cobra.Command) (storage.Store, error) {
	cfg, err := config.NewConfigManager(configPath(cmd)).Load(cmd.Context())
	if err != nil {
		return nil, err
	}
	sc, err := app.MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, logx.NewConsole("warn"))
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted schedule entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.All(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNEXT FIRE\tLAST FIRED\tPOLICY\tPAYLOAD")
			for _, e := range entries {
				last := "-"
				if e.LastFired != nil {
					last = e.LastFired.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.NextFire.Format(time.RFC3339), last, e.Policy, e.PayloadRef)
			}
			return w.Flush()
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and the persisted schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.All(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: config valid, %d schedule entries\n", len(entries))
			return nil
		},
	}
}
