package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldline/calsync/internal/daemon"
	"github.com/fieldline/calsync/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync driver",
	Long: `Run calsync as a long-lived daemon.

Each configured calendar binding is reconciled on its cron schedule, with a
duplicate cleanup pass after every incremental run. Calendar bindings are
reloaded live when the config file changes. A status server exposes recent
runs (GET /api/runs), a live event stream (GET /ws), and a manual trigger
(POST /api/trigger/<calendar-key>).`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if cfg.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    50, // megabytes
				MaxBackups: 5,
				MaxAge:     30, // days
			})
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

		srv := dashboard.NewServer(&dashboard.Config{
			Addr:    cfg.DashboardAddr,
			History: hist,
		})

		d := daemon.New(eng, cfg.Calendars, daemon.Options{
			ConfigPath: cfgPath,
			Logger:     logger,
			History:    hist,
			Notifier:   srv,
		})
		srv.SetTrigger(func(key string) bool {
			return d.Trigger(ctx, key)
		})

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := srv.Stop(); err != nil {
				logger.Printf("dashboard shutdown: %v", err)
			}
		}()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}
