package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldline/calsync/internal/ics"
	"github.com/fieldline/calsync/internal/ledger"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export [calendar-key]",
	Short: "Export ledger records as an iCalendar feed",
	Long: `Render ledger records as a VCALENDAR for offline review or import
into other calendar tools. With no calendar key, all records are exported.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		key := ""
		if len(args) == 1 {
			key = args[0]
			if _, err := cfg.Binding(key); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		ctx := context.Background()
		store, err := ledger.Open(ctx, cfg.LedgerDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		records, err := store.FetchAll(ctx, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching records: %v\n", err)
			os.Exit(1)
		}

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			out = f
		}

		n, err := ics.Export(out, records)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
			os.Exit(1)
		}
		if exportOut != "" {
			fmt.Printf("exported %d events to %s\n", n, exportOut)
		}
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout)")
}
