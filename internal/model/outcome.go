package model

import "time"

// Outcome summarizes one reconciliation run. The lists hold ledger record
// IDs in the order they were processed. An Outcome lives only for the
// duration of the run; persistence is the caller's concern.
type Outcome struct {
	CalendarKey string    `json:"calendar_key" yaml:"calendar_key"`
	Mode        string    `json:"mode" yaml:"mode"` // incremental, full, dedupe
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time `json:"finished_at" yaml:"finished_at"`

	Added     []string `json:"added" yaml:"added"`
	Updated   []string `json:"updated" yaml:"updated"`
	Unchanged []string `json:"unchanged" yaml:"unchanged"`
	Failed    []string `json:"failed" yaml:"failed"`

	// Duplicates holds records skipped in this pass because they collided
	// with an earlier record on the normalized (title, start) key.
	Duplicates []string `json:"duplicates,omitempty" yaml:"duplicates,omitempty"`

	// RemovedEvents holds calendar event IDs deleted by the duplicate
	// cleanup pass.
	RemovedEvents []string `json:"removed_events,omitempty" yaml:"removed_events,omitempty"`
}

// Run modes recorded in outcomes and run history.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
	ModeDedupe      = "dedupe"
)

// NewOutcome returns an empty outcome for the given calendar key and mode.
func NewOutcome(calendarKey, mode string) *Outcome {
	return &Outcome{
		CalendarKey: calendarKey,
		Mode:        mode,
		Added:       []string{},
		Updated:     []string{},
		Unchanged:   []string{},
		Failed:      []string{},
	}
}

// Total returns the number of records the run touched.
func (o *Outcome) Total() int {
	return len(o.Added) + len(o.Updated) + len(o.Unchanged) + len(o.Failed)
}
