package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Op names a Client method, for failure injection on Memory.
type Op string

const (
	OpCreate Op = "create"
	OpGet    Op = "get"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Memory is an in-process Client. It is safe for concurrent use.
//
// Each write stamps Updated from the clock, never moving it backwards for a
// given event. Failures can be injected per operation with Fail.
type Memory struct {
	mu      sync.Mutex
	events  map[string]map[string]*Event // calendarID -> eventID -> event
	nextID  int
	failing map[Op]error
	calls   map[Op]int
	now     func() time.Time
}

// NewMemory returns an empty in-memory calendar using the wall clock.
func NewMemory() *Memory {
	return &Memory{
		events:  make(map[string]map[string]*Event),
		failing: make(map[Op]error),
		calls:   make(map[Op]int),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used to stamp Updated.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Fail makes the given operations (all of them if none are named) return
// ErrUnavailable until Heal is called.
func (m *Memory) Fail(ops ...Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ops) == 0 {
		ops = []Op{OpCreate, OpGet, OpUpdate, OpDelete}
	}
	for _, op := range ops {
		m.failing[op] = fmt.Errorf("%w: injected %s failure", ErrUnavailable, op)
	}
}

// Heal clears every injected failure.
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = make(map[Op]error)
}

// Calls returns how many times op was invoked, including failed calls.
// With no argument it returns the total across all operations.
func (m *Memory) Calls(ops ...Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ops) == 0 {
		total := 0
		for _, n := range m.calls {
			total += n
		}
		return total
	}
	total := 0
	for _, op := range ops {
		total += m.calls[op]
	}
	return total
}

// Edit mutates a stored event as if it were changed by another client of
// the remote calendar, and bumps its Updated timestamp.
func (m *Memory) Edit(calendarID, eventID string, fn func(ev *Event)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[calendarID][eventID]
	if !ok {
		return fmt.Errorf("event %s/%s: %w", calendarID, eventID, ErrEventNotFound)
	}
	fn(ev)
	m.stamp(ev)
	return nil
}

// Len returns the number of stored events across all calendars.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, cal := range m.events {
		n += len(cal)
	}
	return n
}

func (m *Memory) begin(ctx context.Context, op Op) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return m.failing[op]
}

func (m *Memory) stamp(ev *Event) {
	now := m.now()
	if !now.After(ev.Updated) {
		now = ev.Updated.Add(time.Millisecond)
	}
	ev.Updated = now
}

func (m *Memory) CreateEvent(ctx context.Context, calendarID string, in EventInput) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpCreate); err != nil {
		return nil, err
	}

	m.nextID++
	ev := &Event{
		ID:         fmt.Sprintf("evt%04d", m.nextID),
		CalendarID: calendarID,
	}
	apply(ev, in)
	m.stamp(ev)

	if m.events[calendarID] == nil {
		m.events[calendarID] = make(map[string]*Event)
	}
	m.events[calendarID][ev.ID] = ev
	return cloneEvent(ev), nil
}

func (m *Memory) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpGet); err != nil {
		return nil, err
	}

	ev, ok := m.events[calendarID][eventID]
	if !ok {
		return nil, fmt.Errorf("event %s/%s: %w", calendarID, eventID, ErrEventNotFound)
	}
	return cloneEvent(ev), nil
}

func (m *Memory) UpdateEvent(ctx context.Context, calendarID, eventID string, in EventInput) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpUpdate); err != nil {
		return nil, err
	}

	ev, ok := m.events[calendarID][eventID]
	if !ok {
		return nil, fmt.Errorf("event %s/%s: %w", calendarID, eventID, ErrEventNotFound)
	}
	apply(ev, in)
	m.stamp(ev)
	return cloneEvent(ev), nil
}

func (m *Memory) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpDelete); err != nil {
		return err
	}

	if _, ok := m.events[calendarID][eventID]; !ok {
		return fmt.Errorf("event %s/%s: %w", calendarID, eventID, ErrEventNotFound)
	}
	delete(m.events[calendarID], eventID)
	return nil
}

func apply(ev *Event, in EventInput) {
	ev.Title = in.Title
	ev.Description = in.Description
	if in.Start != nil {
		start := *in.Start
		ev.Start = &start
		ev.End = nil
		if in.End != nil {
			end := *in.End
			ev.End = &end
		}
	} else if in.ClearTime {
		ev.Start, ev.End = nil, nil
	}
	ev.Status = in.Status
	if ev.Status == "" {
		ev.Status = StatusConfirmed
	}
}

func cloneEvent(ev *Event) *Event {
	c := *ev
	if ev.Start != nil {
		s := *ev.Start
		c.Start = &s
	}
	if ev.End != nil {
		e := *ev.End
		c.End = &e
	}
	return &c
}
