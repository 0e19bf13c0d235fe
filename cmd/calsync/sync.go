package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldline/calsync/internal/history"
	"github.com/fieldline/calsync/internal/model"
)

var (
	syncReportPath string
	syncSkipDedupe bool
	fullsyncSince  string
)

var syncCmd = &cobra.Command{
	Use:   "sync <calendar-key>",
	Short: "Incremental reconciliation for one calendar",
	Long: `Sync every unprocessed ledger record bound to the calendar key.

For each record the engine finds a matching calendar event within the
match window, replaces it if it drifted, creates one if none exists, and
writes the event id back to the ledger. Duplicate cleanup runs afterwards
unless --skip-dedupe is set.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runReconciliation(args[0], model.ModeIncremental)
	},
}

var fullsyncCmd = &cobra.Command{
	Use:   "fullsync <calendar-key>",
	Short: "Authoritative drift repair for one calendar",
	Long: `Compare every processed ledger record against live calendar state.

Records whose events were deleted or edited externally are cleared so the
next incremental pass recreates them. Use --since to bound the calendar
scan; it accepts RFC3339 or natural language ("last monday", "2 weeks ago").`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runReconciliation(args[0], model.ModeFull)
	},
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe <calendar-key>",
	Short: "Remove duplicate calendar events",
	Long: `Delete calendar events that collide on normalized (title, start).

Events referenced by the ledger are kept; when a deleted duplicate was
referenced, its record is cleared for relinking on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runReconciliation(args[0], model.ModeDedupe)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncReportPath, "report", "", "write the outcome as YAML to this file")
	syncCmd.Flags().BoolVar(&syncSkipDedupe, "skip-dedupe", false, "skip the duplicate cleanup pass")
	fullsyncCmd.Flags().StringVar(&fullsyncSince, "since", "", "lower bound for the calendar scan (RFC3339 or natural language)")
	fullsyncCmd.Flags().StringVar(&syncReportPath, "report", "", "write the outcome as YAML to this file")
}

// runReconciliation drives one CLI-invoked pass of the given mode.
func runReconciliation(calendarKey, mode string) {
	cfg := loadConfig()
	binding, err := cfg.Binding(calendarKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, cleanup, err := buildEngine(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	hist := openHistory(cfg)
	if hist != nil {
		defer hist.Close()
	}

	var out *model.Outcome
	start := time.Now()
	switch mode {
	case model.ModeIncremental:
		out, err = eng.Run(ctx, binding.GoogleCalendarID, binding.Key)
		if err == nil && !syncSkipDedupe {
			dedupeOut, dedupeErr := eng.RemoveDuplicates(ctx, binding.GoogleCalendarID, binding.Key)
			recordRun(hist, dedupeOut, dedupeErr)
			if dedupeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: duplicate cleanup failed: %v\n", dedupeErr)
			}
		}
	case model.ModeFull:
		var timeMin time.Time
		timeMin, err = parseSince(fullsyncSince)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		out, err = eng.ReconcileAll(ctx, binding.GoogleCalendarID, binding.Key, timeMin)
	case model.ModeDedupe:
		out, err = eng.RemoveDuplicates(ctx, binding.GoogleCalendarID, binding.Key)
	}

	recordRun(hist, out, err)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s failed: %v\n", mode, err)
		os.Exit(1)
	}

	fmt.Printf("%s complete for %q in %s: added=%d updated=%d unchanged=%d failed=%d duplicates=%d\n",
		mode, calendarKey, time.Since(start).Round(time.Millisecond),
		len(out.Added), len(out.Updated), len(out.Unchanged), len(out.Failed), len(out.Duplicates))

	if syncReportPath != "" {
		if werr := writeReport(syncReportPath, out); werr != nil {
			fmt.Fprintf(os.Stderr, "Error writing report: %v\n", werr)
			os.Exit(1)
		}
		fmt.Printf("report written to %s\n", syncReportPath)
	}

	if len(out.Failed) > 0 {
		os.Exit(1)
	}
}

func recordRun(hist *history.Store, out *model.Outcome, runErr error) {
	if hist == nil || out == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hist.RecordOutcome(ctx, out, runErr); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not record run: %v\n", err)
	}
}

// writeReport dumps the outcome as YAML.
func writeReport(path string, out *model.Outcome) error {
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// parseSince interprets --since as RFC3339 first, then as natural language.
// Empty means scan from the epoch.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not interpret --since %q", s)
	}
	return r.Time, nil
}
