// Package daemon provides the sync driver: it decides when reconciliation
// runs happen. It schedules runs per calendar binding with cron
// expressions, guards each calendar with a busy gate so runs never
// overlap, reloads bindings when the config file changes, and reports
// outcomes to the history store and the dashboard.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/fieldline/calsync/internal/config"
	"github.com/fieldline/calsync/internal/history"
	"github.com/fieldline/calsync/internal/model"
)

// Runner is the engine capability set the driver invokes. Satisfied by
// *engine.Engine.
type Runner interface {
	Run(ctx context.Context, calendarID, calendarKey string) (*model.Outcome, error)
	ReconcileAll(ctx context.Context, calendarID, calendarKey string, timeMin time.Time) (*model.Outcome, error)
	RemoveDuplicates(ctx context.Context, calendarID, calendarKey string) (*model.Outcome, error)
}

// Notifier receives run lifecycle events for live display. Satisfied by
// *dashboard.Server; a nil Notifier disables broadcasting.
type Notifier interface {
	RunStarted(calendarKey, mode string)
	RunFinished(out *model.Outcome, runErr error)
}

// Options configures the daemon.
type Options struct {
	// ConfigPath, when set, is watched for changes; calendar bindings are
	// reloaded live.
	ConfigPath string

	// Logger for daemon activity. Nil means a stderr default.
	Logger *log.Logger

	// History records outcomes; nil disables persistence.
	History *history.Store

	// Notifier broadcasts run events; nil disables it.
	Notifier Notifier
}

// Daemon schedules reconciliation runs.
type Daemon struct {
	runner Runner
	opts   Options
	logger *log.Logger

	mu       sync.Mutex
	bindings []config.CalendarBinding
	cron     *cron.Cron

	// busy holds the per-calendar "sync in progress" gates. The engine
	// assumes at most one concurrent caller per calendar; this is where
	// that assumption is enforced.
	busy   map[string]bool
	busyMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a daemon driving runner over the given calendar bindings.
func New(runner Runner, bindings []config.CalendarBinding, opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{
		runner:   runner,
		opts:     opts,
		logger:   logger,
		bindings: bindings,
		busy:     make(map[string]bool),
	}
}

// Start schedules all bindings and blocks until ctx is cancelled. In-flight
// runs finish before Start returns; mutations applied before cancellation
// stay committed.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("starting sync driver")

	if err := d.schedule(ctx); err != nil {
		return err
	}

	var watcher *fsnotify.Watcher
	if d.opts.ConfigPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		if err := w.Add(d.opts.ConfigPath); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch config file: %w", err)
		}
		watcher = w
		d.wg.Add(1)
		go d.watchConfig(ctx, watcher)
		d.logger.Printf("watching config %s", d.opts.ConfigPath)
	}

	<-ctx.Done()
	d.logger.Println("shutdown signal received")

	d.mu.Lock()
	if d.cron != nil {
		stopped := d.cron.Stop()
		d.mu.Unlock()
		<-stopped.Done()
	} else {
		d.mu.Unlock()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	d.wg.Wait()
	d.logger.Println("sync driver stopped")
	return nil
}

// schedule (re)builds the cron table from the current bindings.
func (d *Daemon) schedule(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cron != nil {
		d.cron.Stop()
	}
	c := cron.New()
	for _, b := range d.bindings {
		if b.Schedule == "" {
			continue
		}
		binding := b
		if _, err := c.AddFunc(binding.Schedule, func() {
			d.runCycle(ctx, binding)
		}); err != nil {
			return fmt.Errorf("schedule calendar %q (%q): %w", binding.Key, binding.Schedule, err)
		}
		d.logger.Printf("scheduled calendar %q at %q", binding.Key, binding.Schedule)
	}
	c.Start()
	d.cron = c
	return nil
}

// Trigger starts a cycle for the given calendar key immediately, unless one
// is already in flight. Returns false when the gate rejected the run.
func (d *Daemon) Trigger(ctx context.Context, key string) bool {
	d.mu.Lock()
	var binding *config.CalendarBinding
	for i := range d.bindings {
		if d.bindings[i].Key == key {
			binding = &d.bindings[i]
			break
		}
	}
	d.mu.Unlock()
	if binding == nil {
		d.logger.Printf("manual trigger for unknown calendar %q", key)
		return false
	}

	// Best effort: the cycle re-checks the gate itself.
	d.busyMu.Lock()
	busy := d.busy[key]
	d.busyMu.Unlock()
	if busy {
		d.logger.Printf("manual trigger for %q rejected, sync in progress", key)
		return false
	}

	b := *binding
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runCycle(ctx, b)
	}()
	return true
}

// runCycle runs one incremental pass followed by duplicate cleanup,
// respecting the per-calendar busy gate. The cleanup runs strictly after
// creation so the pass sees any duplicate residue from races.
func (d *Daemon) runCycle(ctx context.Context, b config.CalendarBinding) {
	if !d.tryAcquire(b.Key) {
		d.logger.Printf("calendar %q sync already in progress, skipping tick", b.Key)
		return
	}
	defer d.release(b.Key)

	d.notifyStarted(b.Key, model.ModeIncremental)
	out, err := d.runner.Run(ctx, b.GoogleCalendarID, b.Key)
	d.report(b.Key, model.ModeIncremental, out, err)
	if err != nil {
		return
	}

	d.notifyStarted(b.Key, model.ModeDedupe)
	dedupeOut, dedupeErr := d.runner.RemoveDuplicates(ctx, b.GoogleCalendarID, b.Key)
	d.report(b.Key, model.ModeDedupe, dedupeOut, dedupeErr)
}

// RunFull performs one full-sync pass for the calendar, through the same
// gate as scheduled cycles.
func (d *Daemon) RunFull(ctx context.Context, b config.CalendarBinding, timeMin time.Time) (*model.Outcome, error) {
	if !d.tryAcquire(b.Key) {
		return nil, fmt.Errorf("calendar %q sync already in progress", b.Key)
	}
	defer d.release(b.Key)

	d.notifyStarted(b.Key, model.ModeFull)
	out, err := d.runner.ReconcileAll(ctx, b.GoogleCalendarID, b.Key, timeMin)
	d.report(b.Key, model.ModeFull, out, err)
	return out, err
}

func (d *Daemon) tryAcquire(key string) bool {
	d.busyMu.Lock()
	defer d.busyMu.Unlock()
	if d.busy[key] {
		return false
	}
	d.busy[key] = true
	return true
}

func (d *Daemon) release(key string) {
	d.busyMu.Lock()
	defer d.busyMu.Unlock()
	delete(d.busy, key)
}

func (d *Daemon) notifyStarted(key, mode string) {
	if d.opts.Notifier != nil {
		d.opts.Notifier.RunStarted(key, mode)
	}
}

// report persists and broadcasts one run outcome.
func (d *Daemon) report(key, mode string, out *model.Outcome, runErr error) {
	if out == nil {
		out = model.NewOutcome(key, mode)
		out.StartedAt = time.Now()
		out.FinishedAt = out.StartedAt
	}
	if runErr != nil {
		d.logger.Printf("calendar %q %s run failed: %v", key, mode, runErr)
	} else {
		d.logger.Printf("calendar %q %s run: added=%d updated=%d unchanged=%d failed=%d",
			key, mode, len(out.Added), len(out.Updated), len(out.Unchanged), len(out.Failed))
	}

	if d.opts.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.opts.History.RecordOutcome(ctx, out, runErr); err != nil {
			d.logger.Printf("record history: %v", err)
		}
	}
	if d.opts.Notifier != nil {
		d.opts.Notifier.RunFinished(out, runErr)
	}
}

// watchConfig reloads calendar bindings when the config file changes.
func (d *Daemon) watchConfig(ctx context.Context, watcher *fsnotify.Watcher) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			d.logger.Printf("config change detected: %s", event.Name)
			cfg, err := config.Load(d.opts.ConfigPath)
			if err != nil {
				d.logger.Printf("config reload failed, keeping previous bindings: %v", err)
				continue
			}
			d.mu.Lock()
			d.bindings = cfg.Calendars
			d.mu.Unlock()
			if err := d.schedule(ctx); err != nil {
				d.logger.Printf("reschedule failed: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("config watcher error: %v", err)
		}
	}
}
