package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/creds"
)

type recordingStore struct {
	mu    sync.Mutex
	saved []creds.Credential
}

func (s *recordingStore) Load(context.Context) (creds.Credential, error) {
	return creds.Credential{}, nil
}

func (s *recordingStore) Save(_ context.Context, c creds.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, c)
	return nil
}

func (s *recordingStore) last(t *testing.T) creds.Credential {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		t.Fatal("nothing persisted")
	}
	return s.saved[len(s.saved)-1]
}

func refreshServer(t *testing.T, calls *int, token string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  token,
			"refresh_token": "rotated-refresh",
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenBestEffortWithoutRefreshToken(t *testing.T) {
	// An expired access token with no refresh capability is used as-is.
	ts := NewUserTokenSource("cid", "secret", nil, "", creds.Credential{
		AccessToken: "only-access",
		ExpiresAt:   time.Now().Add(-time.Hour).Unix(),
	})
	tok, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if tok != "only-access" {
		t.Errorf("Token() = %q, want only-access", tok)
	}
}

func TestTokenNoCredential(t *testing.T) {
	ts := NewUserTokenSource("cid", "secret", nil, "", creds.Credential{})
	_, err := ts.Token(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("Token() error = %v, want ErrNoCredential", err)
	}
}

func TestTokenCachedWhenFresh(t *testing.T) {
	calls := 0
	server := refreshServer(t, &calls, "should-not-be-fetched")

	ts := NewUserTokenSource("cid", "secret", nil, "", creds.Credential{
		AccessToken:  "fresh",
		RefreshToken: "rt1",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	})
	ts.HTTPClient = &http.Client{Transport: &tokenTransport{host: server.URL}}

	tok, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("Token() = %q, want cached token", tok)
	}
	if calls != 0 {
		t.Errorf("expected no refresh calls for a fresh token, got %d", calls)
	}
}

func TestTokenRefreshWhenExpired(t *testing.T) {
	calls := 0
	server := refreshServer(t, &calls, "new-access")

	store := &recordingStore{}
	envPath := filepath.Join(t.TempDir(), ".env")
	issuedAt := time.Now()

	ts := NewUserTokenSource("cid", "secret", store, envPath, creds.Credential{
		AccessToken:  "stale",
		RefreshToken: "rt1",
		ExpiresAt:    time.Now().Add(-10 * time.Second).Unix(),
	})
	ts.HTTPClient = &http.Client{Transport: &tokenTransport{host: server.URL}}

	tok, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if tok != "new-access" {
		t.Errorf("Token() = %q, want new-access", tok)
	}
	if calls != 1 {
		t.Errorf("expected 1 refresh call, got %d", calls)
	}

	// Persisted expiry is issue time plus the provider's expires_in.
	persisted := store.last(t)
	if persisted.AccessToken != "new-access" || persisted.RefreshToken != "rotated-refresh" {
		t.Errorf("persisted credential = %+v", persisted)
	}
	wantExp := issuedAt.Add(3600 * time.Second).Unix()
	if persisted.ExpiresAt < wantExp-5 || persisted.ExpiresAt > wantExp+5 {
		t.Errorf("persisted ExpiresAt = %d, want ~%d", persisted.ExpiresAt, wantExp)
	}

	// Bootstrap mirror picked up the same record.
	b, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatalf("read env mirror: %v", err)
	}
	if !strings.Contains(string(b), "TWITCH_BOT_TOKEN=new-access") {
		t.Errorf("env mirror missing access token:\n%s", b)
	}
	if !strings.Contains(string(b), "TWITCH_REFRESH_TOKEN=rotated-refresh") {
		t.Errorf("env mirror missing refresh token:\n%s", b)
	}
}

func TestTokenSingleFlight(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		time.Sleep(100 * time.Millisecond) // hold concurrent callers on the lock
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "shared",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := NewUserTokenSource("cid", "secret", nil, "", creds.Credential{
		AccessToken:  "stale",
		RefreshToken: "rt1",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	})
	ts.HTTPClient = &http.Client{Transport: &tokenTransport{host: server.URL}}

	const n = 8
	results := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			tok, err := ts.Token(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- tok
		}()
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Errorf("Token() error: %v", err)
		case tok := <-results:
			if tok != "shared" {
				t.Errorf("Token() = %q, want shared", tok)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for concurrent Token calls")
		}
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 refresh for concurrent callers, got %d", calls)
	}
}

func TestTokenKeepsRefreshTokenWhenOmitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := NewUserTokenSource("cid", "secret", nil, "", creds.Credential{
		AccessToken:  "stale",
		RefreshToken: "keep-me",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	})
	ts.HTTPClient = &http.Client{Transport: &tokenTransport{host: server.URL}}

	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if got := ts.Credential().RefreshToken; got != "keep-me" {
		t.Errorf("RefreshToken after refresh = %q, want keep-me", got)
	}
}

func TestTokenRefreshFailureRetriedPerCall(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "recovered",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := NewUserTokenSource("cid", "secret", nil, "", creds.Credential{
		AccessToken:  "stale",
		RefreshToken: "rt1",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	})
	ts.HTTPClient = &http.Client{Transport: &tokenTransport{host: server.URL}}

	_, err := ts.Token(context.Background())
	var rerr *RefreshError
	if !errors.As(err, &rerr) || rerr.Status != http.StatusUnauthorized {
		t.Fatalf("first Token() = %v, want *RefreshError status 401", err)
	}

	// The next caller retries the exchange rather than being poisoned.
	tok, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("second Token() error: %v", err)
	}
	if tok != "recovered" {
		t.Errorf("second Token() = %q, want recovered", tok)
	}
	if calls != 2 {
		t.Errorf("expected 2 refresh calls, got %d", calls)
	}
}
