package model

import (
	"testing"
	"time"
)

func TestRecordValidate(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		rec     LedgerRecord
		wantErr bool
	}{
		{"valid", LedgerRecord{ID: "r1", Title: "Visit", Start: start, End: start.Add(time.Hour)}, false},
		{"missing id", LedgerRecord{Title: "Visit", Start: start, End: start.Add(time.Hour)}, true},
		{"missing title", LedgerRecord{ID: "r1", Start: start, End: start.Add(time.Hour)}, true},
		{"blank title", LedgerRecord{ID: "r1", Title: "   ", Start: start, End: start.Add(time.Hour)}, true},
		{"missing start", LedgerRecord{ID: "r1", Title: "Visit", End: start.Add(time.Hour)}, true},
		{"missing end", LedgerRecord{ID: "r1", Title: "Visit", Start: start}, true},
		{"end before start", LedgerRecord{ID: "r1", Title: "Visit", Start: start, End: start.Add(-time.Minute)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecordLocation(t *testing.T) {
	tests := []struct {
		name string
		rec  LedgerRecord
		want string
	}{
		{"full address", LedgerRecord{Street: "12 Oak St", City: "Bellingham", State: "WA", Zip: "98225"}, "12 Oak St, Bellingham, WA, 98225"},
		{"city only", LedgerRecord{City: "Bellingham"}, "Bellingham"},
		{"skips blanks", LedgerRecord{Street: "12 Oak St", City: "  ", State: "WA"}, "12 Oak St, WA"},
		{"empty", LedgerRecord{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Location(); got != tt.want {
				t.Errorf("Location() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecordKeyNormalization(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	a := LedgerRecord{Title: "Roof Inspection", Start: start, CalendarKey: "Main", Homeowner: "Alvarez"}
	b := LedgerRecord{Title: "  roof inspection ", Start: start, CalendarKey: "main", Homeowner: " ALVAREZ "}
	if a.Key() != b.Key() {
		t.Errorf("normalized keys differ: %q vs %q", a.Key(), b.Key())
	}

	c := b
	c.Homeowner = "Brandt"
	if a.Key() == c.Key() {
		t.Error("different homeowners must produce different keys")
	}

	// The key carries the exact instant, not minute precision.
	d := a
	d.Start = start.Add(20 * time.Second)
	if a.Key() == d.Key() {
		t.Error("sub-minute start difference must produce a different ledger key")
	}
}

func TestRecordKeyZoneIndependent(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	loc := time.FixedZone("PST", -8*3600)
	a := LedgerRecord{Title: "Visit", Start: start}
	b := LedgerRecord{Title: "Visit", Start: start.In(loc)}
	if a.Key() != b.Key() {
		t.Errorf("same instant in different zones must share a key: %q vs %q", a.Key(), b.Key())
	}
}

func TestEventKeyTruncatesToMinute(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	a := CalendarEvent{Title: "Visit", Start: start}
	b := CalendarEvent{Title: " VISIT ", Start: start.Add(45 * time.Second)}
	if a.Key() != b.Key() {
		t.Errorf("sub-minute jitter must normalize away: %q vs %q", a.Key(), b.Key())
	}

	c := CalendarEvent{Title: "Visit", Start: start.Add(time.Minute)}
	if a.Key() == c.Key() {
		t.Error("a full minute apart must produce different keys")
	}
}

func TestHasAttendee(t *testing.T) {
	ev := CalendarEvent{Attendees: []string{"Crew@Example.com", "second@example.com"}}
	if !ev.HasAttendee("crew@example.COM") {
		t.Error("attendee lookup must be case-insensitive")
	}
	if ev.HasAttendee("other@example.com") {
		t.Error("missing attendee reported present")
	}
	empty := CalendarEvent{}
	if empty.HasAttendee("crew@example.com") {
		t.Error("empty attendee set reported a member")
	}
}

func TestMidnightUTC(t *testing.T) {
	got := MidnightUTC("2026-03-10")
	want := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("MidnightUTC = %v, want %v", got, want)
	}
	if !MidnightUTC("not-a-date").IsZero() {
		t.Error("unparseable input must yield the zero time")
	}
	if !MidnightUTC(" 2026-03-10 ").Equal(want) {
		t.Error("surrounding whitespace must be tolerated")
	}
}

func TestNormalizeText(t *testing.T) {
	if got := NormalizeText("  Roof Inspection "); got != "roof inspection" {
		t.Errorf("NormalizeText = %q", got)
	}
	if got := NormalizeText(""); got != "" {
		t.Errorf("NormalizeText(\"\") = %q", got)
	}
}

func TestOutcomeTotal(t *testing.T) {
	out := NewOutcome("main", ModeIncremental)
	if out.Total() != 0 {
		t.Fatalf("fresh outcome total = %d", out.Total())
	}
	out.Added = append(out.Added, "a")
	out.Updated = append(out.Updated, "b", "c")
	out.Failed = append(out.Failed, "d")
	if out.Total() != 4 {
		t.Errorf("Total() = %d, want 4", out.Total())
	}
	if out.Mode != ModeIncremental || out.CalendarKey != "main" {
		t.Errorf("outcome header wrong: %+v", out)
	}
}
