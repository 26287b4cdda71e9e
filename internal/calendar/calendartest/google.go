// Package calendartest provides an in-process stand-in for the Google
// Calendar v3 events endpoints.
package calendartest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/option"

	"github.com/taskcal/taskcal/internal/calendar"
)

// GoogleAPI stores events as raw JSON and applies the API's patch rules:
// nested objects merge and null removes a field.
type GoogleAPI struct {
	mu     sync.Mutex
	events map[string]map[string]any
	nextID int
	now    func() time.Time
}

// NewGoogleAPI returns an empty calendar. now stamps "updated" on every
// write; nil means time.Now.
func NewGoogleAPI(now func() time.Time) *GoogleAPI {
	if now == nil {
		now = time.Now
	}
	return &GoogleAPI{events: make(map[string]map[string]any), now: now}
}

// NewGoogle serves api over HTTP for the duration of the test and returns
// a client pointed at it.
func NewGoogle(t testing.TB, api *GoogleAPI) *calendar.Google {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	g, err := calendar.NewGoogleFromHTTP(context.Background(), srv.Client(), option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewGoogleFromHTTP() failed: %v", err)
	}
	return g
}

// Raw returns a copy of the stored event JSON, or nil.
func (a *GoogleAPI) Raw(id string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev, ok := a.events[id]
	if !ok {
		return nil
	}
	return cloneJSON(ev)
}

// Edit changes a stored event the way another calendar client would.
func (a *GoogleAPI) Edit(id string, fn func(ev map[string]any)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev, ok := a.events[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	fn(ev)
	a.stamp(ev)
	return nil
}

func (a *GoogleAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, rest, ok := strings.Cut(r.URL.Path, "/events")
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	id := strings.TrimPrefix(rest, "/")

	var body map[string]any
	if r.Method == http.MethodPost || r.Method == http.MethodPatch {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}
	}

	if r.Method == http.MethodPost && id == "" {
		a.nextID++
		id = fmt.Sprintf("g%04d", a.nextID)
		ev := map[string]any{"id": id, "status": calendar.StatusConfirmed}
		merge(ev, body)
		a.stamp(ev)
		a.events[id] = ev
		writeJSON(w, ev)
		return
	}

	ev, ok := a.events[id]
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, ev)
	case http.MethodPatch:
		merge(ev, body)
		a.stamp(ev)
		writeJSON(w, ev)
	case http.MethodDelete:
		delete(a.events, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed)
	}
}

func (a *GoogleAPI) stamp(ev map[string]any) {
	ev["updated"] = a.now().UTC().Format(time.RFC3339Nano)
}

func merge(dst, patch map[string]any) {
	for k, v := range patch {
		switch v := v.(type) {
		case nil:
			delete(dst, k)
		case map[string]any:
			sub, ok := dst[k].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				dst[k] = sub
			}
			merge(sub, v)
		default:
			dst[k] = v
		}
	}
}

func cloneJSON(v map[string]any) map[string]any {
	data, _ := json.Marshal(v)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, code, http.StatusText(code))
}
