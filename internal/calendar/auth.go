package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
)

// ErrNotAuthorized is returned when no OAuth token has been stored yet.
// Run the interactive Authorize flow first.
var ErrNotAuthorized = errors.New("calendar access not authorized")

// Scopes requested from Google.
var Scopes = []string{gcal.CalendarEventsScope}

// TokenStore loads OAuth client credentials and persists the user token.
type TokenStore struct {
	CredentialsFile string // client secret JSON downloaded from the Cloud console
	TokenFile       string // where the user token is cached
	CallbackPort    int    // local port for the authorization redirect
}

// Config parses the client credentials and forces the redirect URL onto the
// local callback port.
func (s *TokenStore) Config() (*oauth2.Config, error) {
	data, err := os.ReadFile(s.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials %s: %w", s.CredentialsFile, err)
	}

	cfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	port := s.CallbackPort
	if port == 0 {
		port = 6789
	}
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/oauth2callback", port)
	return cfg, nil
}

// Client returns an HTTP client that refreshes the stored token as needed.
// Refreshed tokens are written back to TokenFile.
func (s *TokenStore) Client(ctx context.Context) (*http.Client, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}

	tok, err := s.load()
	if err != nil {
		return nil, err
	}

	src := &savingSource{
		base:  cfg.TokenSource(ctx, tok),
		store: s,
		last:  tok.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

// Authorize runs the browser consent flow: it prints the consent URL to out,
// waits for Google to redirect back to the local callback, exchanges the
// code and stores the token.
func (s *TokenStore) Authorize(ctx context.Context, out io.Writer) error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}

	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect url: %w", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:"+redirect.Port())
	if err != nil {
		return fmt.Errorf("failed to listen for oauth callback: %w", err)
	}

	state := fmt.Sprintf("taskcal-%d", time.Now().UnixNano())
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "authorization code not found", http.StatusBadRequest)
				errCh <- fmt.Errorf("authorization code not found in redirect")
				return
			}
			fmt.Fprintln(w, "Authorization complete. You can close this window.")
			codeCh <- code
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("oauth callback server: %w", err)
		}
	}()
	defer server.Shutdown(context.Background())

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Fprintf(out, "Open this URL in your browser to authorize calendar access:\n\n%s\n\n", authURL)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	select {
	case code := <-codeCh:
		tok, err := cfg.Exchange(ctx, code)
		if err != nil {
			return fmt.Errorf("failed to exchange authorization code: %w", err)
		}
		return s.save(tok)
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("authorization timed out: %w", ctx.Err())
	}
}

func (s *TokenStore) load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.TokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no token at %s", ErrNotAuthorized, s.TokenFile)
		}
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token %s: %w", s.TokenFile, err)
	}
	return &tok, nil
}

func (s *TokenStore) save(tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(s.TokenFile), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(s.TokenFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

// savingSource persists the token whenever the access token changes.
type savingSource struct {
	base  oauth2.TokenSource
	store *TokenStore
	last  string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.store.save(tok); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save refreshed token: %v\n", err)
		}
	}
	return tok, nil
}
