package twitchapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/creds"
	"github.com/onnwee/chat-relay/telemetry"
)

// refreshMargin is how long before expiry a token counts as stale.
const refreshMargin = 60 * time.Second

// ErrNoCredential means the store holds neither an access token nor a refresh
// token; run the authorize flow once to mint one.
var ErrNoCredential = errors.New("no twitch credential available: run the authorize flow")

// UserTokenSource returns a valid user access token for outbound sends,
// refreshing through the OAuth refresh grant when the token is missing or
// within refreshMargin of expiry. Concurrent callers share one in-flight
// refresh. Every successful refresh is persisted to the Store and mirrored
// into the bootstrap env file before the new token is handed out.
type UserTokenSource struct {
	ClientID     string
	ClientSecret string
	Store        creds.Store
	EnvPath      string // bootstrap mirror, empty disables
	HTTPClient   *http.Client

	mu   sync.RWMutex
	cred creds.Credential
}

// NewUserTokenSource seeds the source with the credential loaded at startup.
func NewUserTokenSource(clientID, clientSecret string, store creds.Store, envPath string, seed creds.Credential) *UserTokenSource {
	return &UserTokenSource{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Store:        store,
		EnvPath:      envPath,
		cred:         seed,
	}
}

// Token returns a valid (fresh or cached) user access token.
func (ts *UserTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.RLock()
	cred := ts.cred
	ts.mu.RUnlock()

	// No refresh capability: use what we have for as long as it lasts.
	if cred.RefreshToken == "" {
		if cred.AccessToken != "" {
			return cred.AccessToken, nil
		}
		return "", ErrNoCredential
	}
	if cred.AccessToken != "" && time.Until(cred.Expiry()) > refreshMargin {
		return cred.AccessToken, nil
	}
	return ts.refresh(ctx, refreshMargin)
}

// EnsureFresh refreshes ahead of time when the token expires within window.
// Used by the background refresher; no refresh token means nothing to do.
func (ts *UserTokenSource) EnsureFresh(ctx context.Context, window time.Duration) error {
	ts.mu.RLock()
	cred := ts.cred
	ts.mu.RUnlock()

	if cred.RefreshToken == "" {
		return nil
	}
	if cred.AccessToken != "" && time.Until(cred.Expiry()) > window {
		return nil
	}
	_, err := ts.refresh(ctx, window)
	return err
}

// Credential returns a copy of the current credential for diagnostics.
func (ts *UserTokenSource) Credential() creds.Credential {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.cred
}

func (ts *UserTokenSource) refresh(ctx context.Context, margin time.Duration) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Another caller may have refreshed while we waited for the lock.
	if ts.cred.AccessToken != "" && time.Until(ts.cred.Expiry()) > margin {
		return ts.cred.AccessToken, nil
	}

	tok, err := Refresh(ctx, ts.HTTPClient, ts.ClientID, ts.ClientSecret, ts.cred.RefreshToken)
	if err != nil {
		telemetry.CountRefresh("error")
		return "", err
	}

	newRT := tok.RefreshToken
	if newRT == "" {
		// Twitch may omit the rotated refresh token; keep the old one.
		newRT = ts.cred.RefreshToken
	}
	ts.cred = creds.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: newRT,
		ExpiresAt:    TokenExpiry(tok).Unix(),
	}
	telemetry.CountRefresh("ok")

	if ts.Store != nil {
		if err := ts.Store.Save(ctx, ts.cred); err != nil {
			slog.Warn("failed to persist refreshed credential", slog.Any("err", err))
		}
	}
	if ts.EnvPath != "" {
		if err := creds.MirrorToEnv(ts.EnvPath, ts.cred); err != nil {
			slog.Warn("failed to mirror credential to env file", slog.String("path", ts.EnvPath), slog.Any("err", err))
		}
	}
	slog.Info("twitch token refreshed", slog.Time("expires_at", ts.cred.Expiry()))
	return ts.cred.AccessToken, nil
}
