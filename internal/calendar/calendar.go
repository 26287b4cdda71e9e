// Package calendar is the boundary to the remote calendar that mirrors
// synced tasks.
//
// Client is the contract the sync coordinator depends on. Two
// implementations ship with the package:
//   - Google, backed by the Calendar v3 API
//   - Memory, an in-process calendar used by tests and offline mode
//
// Every transport or server failure is reported as ErrUnavailable (wrapped
// with detail). A missing event is reported as ErrEventNotFound.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable means the remote calendar could not be reached or
	// failed to serve the request. Retrying later may succeed.
	ErrUnavailable = errors.New("remote calendar unavailable")

	// ErrEventNotFound means the event does not exist on the remote side.
	ErrEventNotFound = errors.New("calendar event not found")
)

// Event status values understood by the sync layer.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// Event is a remote calendar event as seen by the sync layer.
type Event struct {
	ID          string     `json:"id"`
	CalendarID  string     `json:"calendar_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Status      string     `json:"status"`

	// Updated is the provider's last-modified timestamp. Zero when the
	// provider did not report one.
	Updated time.Time `json:"updated"`
}

// EventInput carries the writable fields of an event. A nil Start leaves
// the event's time range unchanged on update unless ClearTime is set.
type EventInput struct {
	Title       string
	Description string
	Start       *time.Time
	End         *time.Time
	Status      string

	// ClearTime makes the event undated when Start is nil.
	ClearTime bool
}

// Client performs CRUD on remote calendar events.
type Client interface {
	CreateEvent(ctx context.Context, calendarID string, in EventInput) (*Event, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, in EventInput) (*Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// WithTimeout bounds every call to c by d. A call that runs out of time
// fails with ErrUnavailable. d <= 0 returns c unchanged.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &timeoutClient{next: c, timeout: d}
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

func (t *timeoutClient) CreateEvent(ctx context.Context, calendarID string, in EventInput) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ev, err := t.next.CreateEvent(ctx, calendarID, in)
	return ev, t.wrap(ctx, err)
}

func (t *timeoutClient) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ev, err := t.next.GetEvent(ctx, calendarID, eventID)
	return ev, t.wrap(ctx, err)
}

func (t *timeoutClient) UpdateEvent(ctx context.Context, calendarID, eventID string, in EventInput) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ev, err := t.next.UpdateEvent(ctx, calendarID, eventID, in)
	return ev, t.wrap(ctx, err)
}

func (t *timeoutClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.wrap(ctx, t.next.DeleteEvent(ctx, calendarID, eventID))
}

func (t *timeoutClient) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrEventNotFound) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: no response within %s: %w", ErrUnavailable, t.timeout, err)
	}
	return err
}
