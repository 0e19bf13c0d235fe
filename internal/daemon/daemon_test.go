package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldline/calsync/internal/config"
	"github.com/fieldline/calsync/internal/model"
)

// fakeRunner counts invocations and can block until released.
type fakeRunner struct {
	runs    int32
	fulls   int32
	dedupes int32
	runErr  error
	block   chan struct{} // when non-nil, Run waits on it
}

func (f *fakeRunner) Run(ctx context.Context, calendarID, calendarKey string) (*model.Outcome, error) {
	atomic.AddInt32(&f.runs, 1)
	if f.block != nil {
		<-f.block
	}
	if f.runErr != nil {
		return nil, f.runErr
	}
	out := model.NewOutcome(calendarKey, model.ModeIncremental)
	out.Added = []string{"r1"}
	return out, nil
}

func (f *fakeRunner) ReconcileAll(ctx context.Context, calendarID, calendarKey string, timeMin time.Time) (*model.Outcome, error) {
	atomic.AddInt32(&f.fulls, 1)
	return model.NewOutcome(calendarKey, model.ModeFull), nil
}

func (f *fakeRunner) RemoveDuplicates(ctx context.Context, calendarID, calendarKey string) (*model.Outcome, error) {
	atomic.AddInt32(&f.dedupes, 1)
	return model.NewOutcome(calendarKey, model.ModeDedupe), nil
}

// fakeNotifier records lifecycle events.
type fakeNotifier struct {
	mu       sync.Mutex
	started  []string
	finished []string
	errs     []error
}

func (f *fakeNotifier) RunStarted(calendarKey, mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, mode)
}

func (f *fakeNotifier) RunFinished(out *model.Outcome, runErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, out.Mode)
	f.errs = append(f.errs, runErr)
}

func testBinding() config.CalendarBinding {
	return config.CalendarBinding{Key: "main", GoogleCalendarID: "main@calendar"}
}

func newTestDaemon(r Runner, n Notifier) *Daemon {
	return New(r, []config.CalendarBinding{testBinding()}, Options{
		Logger:   log.New(io.Discard, "", 0),
		Notifier: n,
	})
}

func TestRunCycleRunsSyncThenDedupe(t *testing.T) {
	r := &fakeRunner{}
	n := &fakeNotifier{}
	d := newTestDaemon(r, n)

	d.runCycle(context.Background(), testBinding())

	if r.runs != 1 || r.dedupes != 1 {
		t.Fatalf("runs=%d dedupes=%d, want 1 and 1", r.runs, r.dedupes)
	}
	if len(n.started) != 2 || n.started[0] != model.ModeIncremental || n.started[1] != model.ModeDedupe {
		t.Errorf("started events = %v", n.started)
	}
	if len(n.finished) != 2 {
		t.Errorf("finished events = %v", n.finished)
	}
}

func TestRunCycleSkipsDedupeAfterRunFailure(t *testing.T) {
	r := &fakeRunner{runErr: errors.New("calendar unreachable")}
	n := &fakeNotifier{}
	d := newTestDaemon(r, n)

	d.runCycle(context.Background(), testBinding())

	if r.dedupes != 0 {
		t.Errorf("dedupe ran after a failed sync")
	}
	if len(n.errs) != 1 || n.errs[0] == nil {
		t.Errorf("failure not reported: %v", n.errs)
	}
}

func TestBusyGatePreventsOverlap(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	d := newTestDaemon(r, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runCycle(context.Background(), testBinding())
	}()

	// Wait for the first cycle to take the gate.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&r.runs) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second cycle for the same calendar must bounce off the gate.
	d.runCycle(context.Background(), testBinding())
	if got := atomic.LoadInt32(&r.runs); got != 1 {
		t.Errorf("overlapping cycle ran the engine: runs=%d", got)
	}

	close(r.block)
	wg.Wait()

	// The gate is released afterwards.
	d.runCycle(context.Background(), testBinding())
	if got := atomic.LoadInt32(&r.runs); got != 2 {
		t.Errorf("gate never released: runs=%d", got)
	}
}

func TestRunFullUsesSameGate(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	d := newTestDaemon(r, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runCycle(context.Background(), testBinding())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&r.runs) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cycle never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := d.RunFull(context.Background(), testBinding(), time.Time{}); err == nil {
		t.Error("full sync must respect the busy gate")
	}

	close(r.block)
	wg.Wait()

	if _, err := d.RunFull(context.Background(), testBinding(), time.Time{}); err != nil {
		t.Errorf("full sync after release: %v", err)
	}
	if r.fulls != 1 {
		t.Errorf("fulls = %d, want 1", r.fulls)
	}
}

func TestTriggerUnknownCalendar(t *testing.T) {
	d := newTestDaemon(&fakeRunner{}, nil)
	if d.Trigger(context.Background(), "nope") {
		t.Error("trigger for an unknown calendar must be rejected")
	}
}

func TestTriggerRejectsBusyCalendar(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	d := newTestDaemon(r, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runCycle(context.Background(), testBinding())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&r.runs) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cycle never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if d.Trigger(context.Background(), "main") {
		t.Error("trigger accepted while a run is in flight")
	}

	close(r.block)
	wg.Wait()
}

func TestTriggerRunsCycle(t *testing.T) {
	r := &fakeRunner{}
	d := newTestDaemon(r, nil)
	if !d.Trigger(context.Background(), "main") {
		t.Fatal("trigger rejected a known calendar")
	}
	d.wg.Wait()
	if atomic.LoadInt32(&r.runs) != 1 {
		t.Errorf("runs = %d, want 1", r.runs)
	}
}

func TestGateIsPerCalendar(t *testing.T) {
	d := New(&fakeRunner{}, nil, Options{Logger: log.New(io.Discard, "", 0)})
	if !d.tryAcquire("a") {
		t.Fatal("fresh gate refused")
	}
	if d.tryAcquire("a") {
		t.Error("gate acquired twice")
	}
	if !d.tryAcquire("b") {
		t.Error("gate for a different calendar blocked")
	}
	d.release("a")
	if !d.tryAcquire("a") {
		t.Error("released gate refused")
	}
}
