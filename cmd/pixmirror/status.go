package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/mmcdole/pixmirror/internal/report"
	"github.com/mmcdole/pixmirror/internal/store"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger totals, recent cycles and job results",
	Long: `status prints what the last pixmirror processes recorded. Ledger
totals are read live when the ledger is not locked by a running process.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := report.CheckFormat(statusFormat); err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		r, err := report.Load(statusPath(cfg))
		if err != nil {
			return err
		}
		r.Live = false

		ledger, err := store.Open(string(cfg.Ledger.Driver), cfg.Ledger.Path, logger)
		if err != nil {
			logger.Debug("ledger unavailable, showing saved totals", "error", err)
		} else {
			defer ledger.Close()
			if stats, err := ledger.Stats(cmd.Context()); err == nil {
				r.Ledger = &stats
				r.Live = true
				if r.UpdatedAt.IsZero() {
					r.UpdatedAt = time.Now()
				}
			}
		}

		return report.Write(cmd.OutOrStdout(), r, statusFormat)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", report.FormatText, "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
