// Command calsync keeps ledger records in sync with Google Calendar.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldline/calsync/internal/config"
	"github.com/fieldline/calsync/internal/engine"
	"github.com/fieldline/calsync/internal/gcal"
	"github.com/fieldline/calsync/internal/history"
	"github.com/fieldline/calsync/internal/ledger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Reconcile ledger records with Google Calendar",
	Long: `calsync keeps the scheduling ledger and Google Calendar in agreement.

The incremental pass (sync) creates, replaces, or confirms calendar events
for every unprocessed ledger record. The full pass (fullsync) repairs drift
for already-processed records. The cleanup pass (dedupe) removes duplicate
calendar events left behind by races with external edits.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ./calsync.yaml)")
	rootCmd.AddCommand(syncCmd, fullsyncCmd, dedupeCmd, exportCmd, statusCmd, daemonCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// buildEngine wires the ledger store, calendar client, and credential
// provider into an engine. The returned cleanup closes the ledger pool.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, func(), error) {
	store, err := ledger.Open(ctx, cfg.LedgerDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	ts, err := gcal.TokenSourceFromFile(ctx, cfg.CredentialsFile)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}

	cal, err := gcal.New(ctx, ts, nil)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("create calendar client: %w", err)
	}

	eng := engine.New(store, cal, gcal.NewTokenProvider(ts), cfg.EngineConfig())
	return eng, store.Close, nil
}

// openHistory opens the run-history store, or returns nil when it cannot
// be opened; history is best-effort for CLI runs.
func openHistory(cfg *config.Config) *history.Store {
	h, err := history.Open(cfg.HistoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: run history unavailable: %v\n", err)
		return nil
	}
	return h
}
