package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Google is a Client backed by the Google Calendar v3 API.
type Google struct {
	srv *gcal.Service
}

// NewGoogle wraps an existing Calendar service.
func NewGoogle(srv *gcal.Service) *Google {
	return &Google{srv: srv}
}

// NewGoogleFromHTTP builds the Calendar service on top of an authorized
// HTTP client (see TokenStore.Client). Extra options are passed through,
// which tests use to point the client at a fake endpoint.
func NewGoogleFromHTTP(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*Google, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewGoogle(srv), nil
}

// undatedKey is a private extended property set on events parked on an
// all-day placeholder because their task has no due date. Its value is the
// placeholder date, so moving the event in the calendar makes it dated again.
const undatedKey = "taskcal_undated"

const dateLayout = "2006-01-02"

func (g *Google) CreateEvent(ctx context.Context, calendarID string, in EventInput) (*Event, error) {
	// The API rejects events without a time range.
	body := toGoogleEvent(in, true)

	created, err := g.srv.Events.Insert(calendarID, body).Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleError("create event", err)
	}
	return fromGoogleEvent(calendarID, created)
}

func (g *Google) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	ev, err := g.srv.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleError("get event "+eventID, err)
	}
	return fromGoogleEvent(calendarID, ev)
}

func (g *Google) UpdateEvent(ctx context.Context, calendarID, eventID string, in EventInput) (*Event, error) {
	patch := toGoogleEvent(in, in.ClearTime)
	// Empty strings are dropped from the patch body unless forced.
	patch.ForceSendFields = []string{"Summary", "Description"}

	updated, err := g.srv.Events.Patch(calendarID, eventID, patch).Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleError("update event "+eventID, err)
	}
	return fromGoogleEvent(calendarID, updated)
}

func (g *Google) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := g.srv.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return mapGoogleError("delete event "+eventID, err)
	}
	return nil
}

// toGoogleEvent builds a request body. With park set, an input without a
// Start is placed on today's all-day slot and marked undated.
func toGoogleEvent(in EventInput, park bool) *gcal.Event {
	ev := &gcal.Event{
		Summary:     in.Title,
		Description: in.Description,
		Status:      in.Status,
	}
	switch {
	case in.Start != nil:
		end := in.Start.Add(time.Hour)
		if in.End != nil {
			end = *in.End
		}
		ev.Start = &gcal.EventDateTime{DateTime: in.Start.Format(time.RFC3339), NullFields: []string{"Date"}}
		ev.End = &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), NullFields: []string{"Date"}}
		ev.ExtendedProperties = &gcal.EventExtendedProperties{Private: map[string]string{undatedKey: ""}}
	case park:
		day := time.Now().UTC()
		ev.Start = &gcal.EventDateTime{Date: day.Format(dateLayout), NullFields: []string{"DateTime"}}
		ev.End = &gcal.EventDateTime{Date: day.AddDate(0, 0, 1).Format(dateLayout), NullFields: []string{"DateTime"}}
		ev.ExtendedProperties = &gcal.EventExtendedProperties{Private: map[string]string{undatedKey: day.Format(dateLayout)}}
	}
	return ev
}

// parked reports whether ev still sits on the placeholder it was given
// for an undated task.
func parked(ev *gcal.Event) bool {
	if ev.Start == nil || ev.Start.Date == "" || ev.ExtendedProperties == nil {
		return false
	}
	day := ev.ExtendedProperties.Private[undatedKey]
	return day != "" && day == ev.Start.Date
}

func fromGoogleEvent(calendarID string, ev *gcal.Event) (*Event, error) {
	out := &Event{
		ID:          ev.Id,
		CalendarID:  calendarID,
		Title:       ev.Summary,
		Description: ev.Description,
		Status:      ev.Status,
	}

	if !parked(ev) {
		var err error
		if out.Start, err = parseEventTime(ev.Start); err != nil {
			return nil, fmt.Errorf("event %s start: %w", ev.Id, err)
		}
		if out.End, err = parseEventTime(ev.End); err != nil {
			return nil, fmt.Errorf("event %s end: %w", ev.Id, err)
		}
	}
	if ev.Updated != "" {
		updated, err := time.Parse(time.RFC3339Nano, ev.Updated)
		if err != nil {
			return nil, fmt.Errorf("event %s updated: %w", ev.Id, err)
		}
		out.Updated = updated.UTC()
	}
	return out, nil
}

func parseEventTime(dt *gcal.EventDateTime) (*time.Time, error) {
	if dt == nil {
		return nil, nil
	}
	switch {
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return nil, err
		}
		t = t.UTC()
		return &t, nil
	case dt.Date != "":
		t, err := time.Parse(dateLayout, dt.Date)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, nil
}

// mapGoogleError folds API errors into the package sentinels.
func mapGoogleError(action string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%s: %w", action, ErrEventNotFound)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, action, err)
}
