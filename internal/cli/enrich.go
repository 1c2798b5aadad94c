package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/enrich"
	"raidboard/api/internal/raid"
)

func enrichCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich <id>",
		Short: "Re-run the analysis of an item now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			record, err := s.record(args[0])
			if err != nil {
				return err
			}
			updated, err := s.engine.Enrich(cmd.Context(), record.ID)
			if err != nil {
				return err
			}
			printRecord(s.out, updated, nil)
			return nil
		},
	}
}

func historyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "List past analysis runs of an item, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			record, err := s.record(args[0])
			if err != nil {
				return err
			}
			runs, err := s.engine.History(cmd.Context(), record.ID)
			if err != nil {
				return err
			}
			printRuns(s.out, runs)
			return nil
		},
	}
}

func diffCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id> [older] [newer]",
		Short: "Compare two analysis runs of an item",
		Long: `Compare two runs by their index in "raidctl history" (0 is the newest).
Without indexes the two most recent runs are compared.

Examples:
  raidctl diff -p apollo 3f2a
  raidctl diff -p apollo 3f2a 4 0`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			older, newer := 1, 0
			if len(args) >= 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("run index %q: %w", args[1], err)
				}
				older = n
			}
			if len(args) == 3 {
				n, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("run index %q: %w", args[2], err)
				}
				newer = n
			}

			s, err := opts.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			record, err := s.record(args[0])
			if err != nil {
				return err
			}
			runs, err := s.engine.History(cmd.Context(), record.ID)
			if err != nil {
				return err
			}
			for _, index := range []int{older, newer} {
				if index < 0 || index >= len(runs) {
					return fmt.Errorf("run %d does not exist; %s has %d runs", index, shortID(record.ID), len(runs))
				}
			}
			printChanges(s.out, raid.DiffRuns(runs[older], runs[newer]))
			return nil
		},
	}
}

func watchCmd(opts *options) *cobra.Command {
	var (
		interval time.Duration
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep analyses of a project up to date",
		Long: `Reload the project periodically and re-run the analysis of items that
changed enough since their last one, the way an open register page does.
Runs until interrupted or until --for elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			s, err := opts.open(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			var mu sync.Mutex
			lastRun := make(map[string]time.Time)
			// note records the last analysis time of record and reports
			// whether it moved since the record was last seen.
			note := func(record raid.Record) bool {
				var ran time.Time
				if payload := record.AI(); payload != nil && payload.LastRunAt != nil {
					ran = *payload.LastRunAt
				}
				seen, ok := lastRun[record.ID]
				lastRun[record.ID] = ran
				return ok && !ran.IsZero() && !seen.Equal(ran)
			}
			for _, id := range s.cache.IDs() {
				record, _ := s.cache.Get(id)
				note(record)
			}
			unsubscribe := s.cache.Subscribe(func(event cache.Event) {
				if event.Kind != cache.EventUpserted {
					return
				}
				record, ok := s.cache.Get(event.ID)
				if !ok {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if note(record) {
					fmt.Fprintf(s.out, "%s %s analyzed: %s\n", okMark(), shortID(record.ID), rollupColor(record.AI().Rollup).Sprint(record.AI().Rollup))
				}
			})
			defer unsubscribe()

			fmt.Fprintf(s.out, "Watching %s (%d items)\n", opts.project, s.cache.Len())
			scheduler := enrich.New(s.cache, s.engine, opts.cfg.Engine.Scheduler(), enrich.WithLogger(opts.log))
			defer scheduler.Close()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := s.engine.Load(ctx, opts.project); err != nil {
						if ctx.Err() != nil {
							return nil
						}
						opts.log.Warn("reload failed", zap.Error(err))
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "how often to reload the project")
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long")
	return cmd
}
