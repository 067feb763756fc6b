package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mmcdole/pixmirror/internal/report"
	"github.com/mmcdole/pixmirror/internal/service"
)

var (
	jobFormat   string
	fetchLimit  int
	fetchCursor string
)

var verifyFilesCmd = &cobra.Command{
	Use:   "verify-files",
	Short: "Re-download recorded parts whose files are missing",
	Long: `verify-files checks every ledger record against the download root and
re-downloads parts whose file is gone. Part files found on disk without a
record are adopted into the ledger.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, service.JobVerifyFiles, service.JobParams{})
	},
}

var verifyBookmarksCmd = &cobra.Command{
	Use:   "verify-bookmarks",
	Short: "Walk every bookmark and download what the ledger lacks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, service.JobVerifyBookmarks, service.JobParams{})
	},
}

var fetchRecentCmd = &cobra.Command{
	Use:   "fetch-recent",
	Short: "Download missing parts of the most recent bookmarks",
	Long: `fetch-recent walks at most --limit bookmarks, newest first, and
downloads parts the ledger lacks. Pass the printed next_cursor back with
--cursor to continue where the previous run stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, service.JobFetchRecent, service.JobParams{
			Limit:  fetchLimit,
			Cursor: fetchCursor,
		})
	},
}

// runJob runs one reconciliation job in the foreground and prints its state
func runJob(cmd *cobra.Command, kind service.JobKind, params service.JobParams) error {
	if err := report.CheckFormat(jobFormat); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.jobs.Run(ctx, kind, params)
	if err != nil {
		return err
	}
	a.saveStatus(context.WithoutCancel(ctx))

	if err := report.WriteJob(cmd.OutOrStdout(), state, jobFormat); err != nil {
		return err
	}
	if state.Error != "" {
		return errors.New(state.Error)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{verifyFilesCmd, verifyBookmarksCmd, fetchRecentCmd} {
		c.Flags().StringVar(&jobFormat, "format", report.FormatText, "output format: text, json or yaml")
		rootCmd.AddCommand(c)
	}
	fetchRecentCmd.Flags().IntVar(&fetchLimit, "limit", service.DefaultFetchRecentLimit, "bookmarks to process")
	fetchRecentCmd.Flags().StringVar(&fetchCursor, "cursor", "", "resume from a previous next_cursor")
}
