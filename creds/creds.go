// Package creds defines the persisted OAuth credential record and the stores
// that keep it durable across restarts. The relay reads one credential at
// startup, and the token source writes it back after every refresh.
package creds

import (
	"context"
	"time"
)

// Credential is the persisted token record. ExpiresAt is absolute epoch seconds
// declaring when the current AccessToken stops being valid.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Expiry returns ExpiresAt as a time.Time.
func (c Credential) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// IsZero reports whether the record carries no token material at all.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Store persists one credential. Load returns a zero Credential (not an error)
// when nothing has been stored yet.
type Store interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, cred Credential) error
}
