package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/option"
)

func TestMemory_CRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	created, err := m.CreateEvent(ctx, "primary", EventInput{Title: "Plan", Start: &start, End: &end})
	if err != nil {
		t.Fatalf("CreateEvent() failed: %v", err)
	}
	if created.ID == "" || created.Updated.IsZero() {
		t.Fatalf("CreateEvent() = %+v, want id and updated set", created)
	}
	if created.Status != StatusConfirmed {
		t.Errorf("Status = %q, want %q", created.Status, StatusConfirmed)
	}

	updated, err := m.UpdateEvent(ctx, "primary", created.ID, EventInput{Title: "Plan v2", Status: StatusCancelled})
	if err != nil {
		t.Fatalf("UpdateEvent() failed: %v", err)
	}
	if !updated.Updated.After(created.Updated) {
		t.Errorf("Updated did not advance: %v -> %v", created.Updated, updated.Updated)
	}
	if updated.Start == nil || !updated.Start.Equal(start) {
		t.Errorf("Start = %v, want unchanged %v", updated.Start, start)
	}

	got, err := m.GetEvent(ctx, "primary", created.ID)
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if got.Title != "Plan v2" || got.Status != StatusCancelled {
		t.Errorf("GetEvent() = %+v", got)
	}

	if err := m.DeleteEvent(ctx, "primary", created.ID); err != nil {
		t.Fatalf("DeleteEvent() failed: %v", err)
	}
	if _, err := m.GetEvent(ctx, "primary", created.ID); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("GetEvent(deleted) error = %v, want ErrEventNotFound", err)
	}
	if m.Calls() != 5 || m.Calls(OpGet) != 2 {
		t.Errorf("Calls() = %d (get %d), want 5 (get 2)", m.Calls(), m.Calls(OpGet))
	}
}

func TestMemory_ClearTime(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	ev, err := m.CreateEvent(ctx, "primary", EventInput{Title: "Plan", Start: &start, End: &end})
	if err != nil {
		t.Fatalf("CreateEvent() failed: %v", err)
	}

	tests := []struct {
		name    string
		in      EventInput
		wantNil bool
	}{
		{"nil start keeps time", EventInput{Title: "Plan"}, false},
		{"clear time", EventInput{Title: "Plan", ClearTime: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.UpdateEvent(ctx, "primary", ev.ID, tt.in)
			if err != nil {
				t.Fatalf("UpdateEvent() failed: %v", err)
			}
			if (got.Start == nil) != tt.wantNil || (got.End == nil) != tt.wantNil {
				t.Errorf("Start, End = %v, %v, want nil=%v", got.Start, got.End, tt.wantNil)
			}
		})
	}
}

func TestMemory_FailAndEdit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ev, err := m.CreateEvent(ctx, "primary", EventInput{Title: "Sync me"})
	if err != nil {
		t.Fatalf("CreateEvent() failed: %v", err)
	}

	m.Fail(OpUpdate)
	if _, err := m.UpdateEvent(ctx, "primary", ev.ID, EventInput{Title: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("UpdateEvent() error = %v, want ErrUnavailable", err)
	}
	if _, err := m.GetEvent(ctx, "primary", ev.ID); err != nil {
		t.Errorf("GetEvent() should not fail: %v", err)
	}
	m.Heal()

	if err := m.Edit("primary", ev.ID, func(e *Event) { e.Title = "Edited remotely" }); err != nil {
		t.Fatalf("Edit() failed: %v", err)
	}
	got, _ := m.GetEvent(ctx, "primary", ev.ID)
	if got.Title != "Edited remotely" || !got.Updated.After(ev.Updated) {
		t.Errorf("after Edit: %+v", got)
	}
}

type slowClient struct{ Client }

func (slowClient) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	c := WithTimeout(slowClient{NewMemory()}, 20*time.Millisecond)
	_, err := c.GetEvent(context.Background(), "primary", "evt")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("GetEvent() error = %v, want ErrUnavailable", err)
	}

	m := NewMemory()
	if WithTimeout(m, 0) != Client(m) {
		t.Error("WithTimeout(c, 0) should return c unchanged")
	}
}

func newFakeGoogle(t *testing.T, handler http.HandlerFunc) *Google {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGoogleFromHTTP(context.Background(), srv.Client(), option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewGoogleFromHTTP() failed: %v", err)
	}
	return g
}

func TestGoogle_GetEvent(t *testing.T) {
	g := newFakeGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/events/evt1") {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "evt1",
			"summary": "Quarterly review",
			"description": "bring slides",
			"status": "confirmed",
			"start": {"dateTime": "2026-03-02T15:00:00Z"},
			"end": {"dateTime": "2026-03-02T16:00:00Z"},
			"updated": "2026-02-20T09:00:00.000Z"
		}`)
	})

	ev, err := g.GetEvent(context.Background(), "primary", "evt1")
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if ev.Title != "Quarterly review" || ev.Description != "bring slides" {
		t.Errorf("GetEvent() = %+v", ev)
	}
	wantStart := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	if ev.Start == nil || !ev.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", ev.Start, wantStart)
	}
	wantUpdated := time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)
	if !ev.Updated.Equal(wantUpdated) {
		t.Errorf("Updated = %v, want %v", ev.Updated, wantUpdated)
	}

	if _, err := g.GetEvent(context.Background(), "primary", "nope"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("GetEvent(missing) error = %v, want ErrEventNotFound", err)
	}
}

func TestGoogle_UpdateEventAndServerError(t *testing.T) {
	var patched map[string]any
	g := newFakeGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			if err := json.NewDecoder(r.Body).Decode(&patched); err != nil {
				t.Errorf("decode patch body: %v", err)
			}
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"evt1","summary":"New","status":"cancelled","updated":"2026-02-21T10:00:00Z"}`)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"code":503,"message":"backend error"}}`)
		}
	})

	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	ev, err := g.UpdateEvent(context.Background(), "primary", "evt1", EventInput{Title: "New", Start: &start, Status: StatusCancelled})
	if err != nil {
		t.Fatalf("UpdateEvent() failed: %v", err)
	}
	if ev.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", ev.Status)
	}
	if patched["summary"] != "New" {
		t.Errorf("patch summary = %v, want New", patched["summary"])
	}
	if _, ok := patched["description"]; !ok {
		t.Error("patch body should force-send an empty description")
	}
	endField, _ := patched["end"].(map[string]any)
	if endField["dateTime"] != "2026-03-02T16:00:00Z" {
		t.Errorf("patch end = %v, want start+1h", patched["end"])
	}

	if err := g.DeleteEvent(context.Background(), "primary", "evt1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("DeleteEvent() error = %v, want ErrUnavailable", err)
	}
}

func TestTokenStore(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	content := `{"installed":{"client_id":"id","client_secret":"secret",
		"auth_uri":"https://accounts.google.com/o/oauth2/auth",
		"token_uri":"https://oauth2.googleapis.com/token",
		"redirect_uris":["urn:ietf:wg:oauth:2.0:oob"]}}`
	if err := os.WriteFile(creds, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	store := &TokenStore{CredentialsFile: creds, TokenFile: filepath.Join(dir, "token.json"), CallbackPort: 7001}
	cfg, err := store.Config()
	if err != nil {
		t.Fatalf("Config() failed: %v", err)
	}
	if cfg.RedirectURL != "http://localhost:7001/oauth2callback" {
		t.Errorf("RedirectURL = %q", cfg.RedirectURL)
	}

	if _, err := store.Client(context.Background()); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Client() without token error = %v, want ErrNotAuthorized", err)
	}
}
