package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmcdole/pixmirror/internal/service"
)

// statusEvery is how often a long-running process refreshes the status file
const statusEvery = 10 * time.Second

var (
	runInterval time.Duration
	runNoStart  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sync cycles on an interval until interrupted",
	Long: `Run starts the sync coordinator. A cycle runs at startup (unless
sync.auto_start is false or --no-start is given) and then every sync.interval.
Send SIGHUP to request a cycle immediately. An interval of 0 runs a single
cycle and exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		interval := a.cfg.Sync.Interval
		if cmd.Flags().Changed("interval") {
			interval = runInterval
		}
		startNow := a.cfg.Sync.AutoStart && !runNoStart
		if interval == 0 {
			startNow = true
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		go func() {
			ticker := time.NewTicker(statusEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					a.logger.Info("cycle requested by signal")
					a.controller.Trigger()
				case <-ticker.C:
					a.saveStatus(ctx)
				}
			}
		}()

		a.logger.Info("sync coordinator started", "interval", interval, "start_now", startNow)
		err = a.controller.Run(ctx, interval, startNow)
		a.saveStatus(context.WithoutCancel(ctx))
		if errors.Is(err, context.Canceled) {
			a.logger.Info("sync coordinator stopped")
			return nil
		}
		return err
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.controller.StartCycle(ctx, service.ReasonManual)
		a.saveStatus(context.WithoutCancel(ctx))
		if err != nil {
			return err
		}

		o := rec.Outcome
		fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, downloaded %d, skipped %d, failed %d, recovered %d, backfilled %d\n",
			o.Scanned, o.Downloaded, o.Skipped, o.Failed, o.Recovered, rec.Backfilled)
		if rec.Error != "" {
			return fmt.Errorf("cycle %d failed: %s", rec.Number, rec.Error)
		}
		if o.Failed > 0 {
			return fmt.Errorf("%d parts failed to download", o.Failed)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "time between cycles (overrides sync.interval)")
	runCmd.Flags().BoolVar(&runNoStart, "no-start", false, "wait one interval before the first cycle")
	rootCmd.AddCommand(runCmd, syncCmd)
}

