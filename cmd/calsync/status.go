package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [calendar-key]",
	Short: "Show recent reconciliation runs",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		key := ""
		if len(args) == 1 {
			key = args[0]
		}

		hist := openHistory(cfg)
		if hist == nil {
			os.Exit(1)
		}
		defer hist.Close()

		runs, err := hist.RecentRuns(context.Background(), key, statusLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tCALENDAR\tMODE\tADDED\tUPDATED\tUNCHANGED\tFAILED\tDUPS\tERROR")
		for _, r := range runs {
			errText := r.Error
			if len(errText) > 40 {
				errText = errText[:37] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				r.StartedAt.Local().Format(time.RFC3339),
				r.CalendarKey, r.Mode,
				r.Added, r.Updated, r.Unchanged, r.Failed, r.Duplicates, errText)
		}
		w.Flush()
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
}
