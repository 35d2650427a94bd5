package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Endpoint is Twitch's OAuth2 endpoint. Twitch expects client credentials in
// the POST body rather than basic auth.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://id.twitch.tv/oauth2/authorize",
	TokenURL:  "https://id.twitch.tv/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// RefreshError carries the provider's rejection of a refresh exchange.
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("twitch refresh failed: status %d: %s", e.Status, e.Body)
}

// OAuthConfig builds the oauth2 config for the user authorization-code grant.
func OAuthConfig(clientID, clientSecret, redirectURI, scopes string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       strings.Fields(strings.ReplaceAll(scopes, ",", " ")),
		Endpoint:     Endpoint,
	}
}

// Refresh exchanges a refresh token for a new access token. A rejection by the
// provider comes back as *RefreshError; transport failures are wrapped as-is.
func Refresh(ctx context.Context, hc *http.Client, clientID, clientSecret, refreshToken string) (*oauth2.Token, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	conf := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: Endpoint}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			return nil, &RefreshError{Status: status, Body: strings.TrimSpace(string(rerr.Body))}
		}
		return nil, fmt.Errorf("twitch refresh: %w", err)
	}
	return tok, nil
}

// TokenExpiry returns the token's absolute expiry, defaulting to +60m when the
// provider omitted expires_in.
func TokenExpiry(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return time.Now().Add(60 * time.Minute)
	}
	return tok.Expiry
}
