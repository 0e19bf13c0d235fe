// Package gcal implements the calendar client over the Google Calendar v3
// API. It is the only place that knows about the provider's wire types;
// the engine consumes it through the engine.Calendar interface.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/fieldline/calsync/internal/engine"
	"github.com/fieldline/calsync/internal/model"
)

// Config holds the client's retry knobs.
type Config struct {
	// MaxAttempts bounds retries for rate-limited and transient failures.
	MaxAttempts int

	// Backoff is the fixed delay between attempts.
	Backoff time.Duration

	// PageSize for event listings.
	PageSize int64

	// Logger for client activity. Nil means a stderr default.
	Logger *log.Logger

	// Sleep is injectable for tests. Nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the observed rate-limit policy: 3 attempts with a
// fixed 10 second backoff.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Backoff:     10 * time.Second,
		PageSize:    250,
		Logger:      log.New(os.Stderr, "[gcal] ", log.LstdFlags),
	}
}

// Client wraps the Calendar v3 service. It implements engine.Calendar.
type Client struct {
	svc *calendar.Service
	cfg *Config
}

// New builds a Client from an oauth2 token source. The token source is
// owned by the credential provider; this client never refreshes tokens
// itself.
func New(ctx context.Context, ts oauth2.TokenSource, cfg *Config) (*Client, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return NewWithService(svc, cfg), nil
}

// NewWithService wraps an existing service, for tests and custom transports.
func NewWithService(svc *calendar.Service, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[gcal] ", log.LstdFlags)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 250
	}
	return &Client{svc: svc, cfg: cfg}
}

// ListEvents implements engine.Calendar. Recurring events are expanded to
// single instances so duplicate keys compare cleanly.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time, pageToken string) (*engine.EventPage, error) {
	var page *engine.EventPage
	err := c.withRetry(ctx, "list events", func() error {
		call := c.svc.Events.List(calendarID).
			Context(ctx).
			SingleEvents(true).
			MaxResults(c.cfg.PageSize).
			TimeMin(timeMin.Format(time.RFC3339))
		if !timeMax.IsZero() {
			call = call.TimeMax(timeMax.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		res, err := call.Do()
		if err != nil {
			return mapError(err)
		}

		items := make([]*model.CalendarEvent, 0, len(res.Items))
		for _, it := range res.Items {
			items = append(items, fromAPI(it))
		}
		page = &engine.EventPage{Items: items, NextPageToken: res.NextPageToken}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetEvent implements engine.Calendar.
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*model.CalendarEvent, error) {
	var ev *model.CalendarEvent
	err := c.withRetry(ctx, "get event", func() error {
		res, err := c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
		if err != nil {
			return mapError(err)
		}
		ev = fromAPI(res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// CreateEvent implements engine.Calendar.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, ev *model.CalendarEvent) (string, error) {
	var id string
	err := c.withRetry(ctx, "create event", func() error {
		res, err := c.svc.Events.Insert(calendarID, toAPI(ev)).Context(ctx).Do()
		if err != nil {
			return mapError(err)
		}
		id = res.Id
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateEvent implements engine.Calendar.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, ev *model.CalendarEvent) error {
	return c.withRetry(ctx, "update event", func() error {
		if _, err := c.svc.Events.Update(calendarID, eventID, toAPI(ev)).Context(ctx).Do(); err != nil {
			return mapError(err)
		}
		return nil
	})
}

// DeleteEvent implements engine.Calendar. Deleting an event that is
// already gone (404/410) is success.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.withRetry(ctx, "delete event", func() error {
		if err := c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
			return mapError(err)
		}
		return nil
	})
	if errors.Is(err, engine.ErrNotFound) {
		return nil
	}
	return err
}

// withRetry runs fn, retrying rate-limited and transient failures after a
// fixed backoff up to the attempt ceiling. Other errors surface directly.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, engine.ErrRateLimited) && !errors.Is(err, engine.ErrTransient) {
			return err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.cfg.Logger.Printf("%s attempt %d/%d failed (%v), backing off %s",
			op, attempt, c.cfg.MaxAttempts, err, c.cfg.Backoff)
		if serr := c.cfg.Sleep(ctx, c.cfg.Backoff); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// mapError converts provider errors into the engine's taxonomy. Timeouts
// and connection failures count as transient, the same as a 5xx response.
func mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone:
			return fmt.Errorf("%w: %v", engine.ErrNotFound, err)
		case gerr.Code == http.StatusTooManyRequests || isRateLimitReason(gerr):
			return fmt.Errorf("%w: %v", engine.ErrRateLimited, err)
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", engine.ErrAuth, err)
		case gerr.Code >= 500:
			return fmt.Errorf("%w: %v", engine.ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// No structured response at all: network-level failure.
	return fmt.Errorf("%w: %v", engine.ErrTransient, err)
}

// isRateLimitReason catches the 403-shaped quota errors the API returns
// alongside plain 429s.
func isRateLimitReason(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, e := range gerr.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" || e.Reason == "quotaExceeded" {
			return true
		}
	}
	return false
}

// fromAPI converts a provider event to the engine's shape. All-day events
// (date only, no dateTime) normalize to midnight UTC of the date. Absent
// sub-fields come through as empty strings, never nil dereferences.
func fromAPI(ev *calendar.Event) *model.CalendarEvent {
	out := &model.CalendarEvent{
		ID:          ev.Id,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
	}
	if ev.Start != nil {
		if ev.Start.DateTime != "" {
			if t, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
				out.Start = t
			}
		} else if ev.Start.Date != "" {
			out.Start = model.MidnightUTC(ev.Start.Date)
			out.AllDay = true
		}
	}
	if ev.End != nil {
		if ev.End.DateTime != "" {
			if t, err := time.Parse(time.RFC3339, ev.End.DateTime); err == nil {
				out.End = t
			}
		} else if ev.End.Date != "" {
			out.End = model.MidnightUTC(ev.End.Date)
		}
	}
	for _, a := range ev.Attendees {
		if a != nil && a.Email != "" {
			out.Attendees = append(out.Attendees, a.Email)
		}
	}
	return out
}

// toAPI converts the engine's shape to a provider event.
func toAPI(ev *model.CalendarEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	if ev.AllDay {
		out.Start = &calendar.EventDateTime{Date: ev.Start.UTC().Format("2006-01-02")}
		out.End = &calendar.EventDateTime{Date: ev.End.UTC().Format("2006-01-02")}
	}
	for _, email := range ev.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: email})
	}
	return out
}
