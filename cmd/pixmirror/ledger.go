package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmcdole/pixmirror/internal/domain"
	"github.com/mmcdole/pixmirror/internal/store"
)

var (
	ledgerItem   int64
	ledgerOffset int
	ledgerLimit  int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the download ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded parts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, err := store.Open(string(cfg.Ledger.Driver), cfg.Ledger.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ledger.Close()

		var records []domain.LedgerRecord
		if ledgerItem > 0 {
			records, err = ledger.ListByItem(cmd.Context(), ledgerItem)
		} else {
			records, err = ledger.List(cmd.Context(), ledgerOffset, ledgerLimit)
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ITEM\tPART\tTITLE\tAUTHOR\tDOWNLOADED\tMETA\tPATH")
		for _, r := range records {
			meta := "-"
			if r.MetadataSynced {
				meta = "ok"
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
				r.ItemID, r.Part, clip(r.Title, 32), clip(r.Author, 20),
				r.DownloadedAt.Local().Format("2006-01-02 15:04"), meta, r.Path)
		}
		return w.Flush()
	},
}

// clip shortens s to n runes
func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\t", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	ledgerListCmd.Flags().Int64Var(&ledgerItem, "item", 0, "only parts of this item")
	ledgerListCmd.Flags().IntVar(&ledgerOffset, "offset", 0, "skip this many records")
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "records to show (0 = all)")
	ledgerCmd.AddCommand(ledgerListCmd)
	rootCmd.AddCommand(ledgerCmd)
}
