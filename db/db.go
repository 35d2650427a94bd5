// Package db provides the optional Postgres-backed credential store and its
// schema migration. The relay runs file-only unless a DSN is configured.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chat-relay/creds"
)

// Connect opens a Postgres pool using the pgx stdlib driver and verifies the
// connection before returning it.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies idempotent schema changes for the tables the relay needs.
func Migrate(ctx context.Context, pool *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)`,
		// Pre-encryption installations get the newer columns added in place.
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_key_id TEXT`,
	}
	for i, s := range stmts {
		if _, err := pool.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// TokenStore persists the relay credential in the oauth_tokens table. With a
// Sealer configured, token values are sealed before storage and rows are
// marked encryption_version 1; plaintext rows (version 0) remain readable
// either way.
type TokenStore struct {
	DB       *sql.DB
	Provider string        // row key, defaults to "twitch"
	Sealer   *creds.Sealer // nil stores plaintext
}

func (s *TokenStore) provider() string {
	if s.Provider == "" {
		return "twitch"
	}
	return s.Provider
}

// Load returns the stored credential, or a zero credential when no row
// exists.
func (s *TokenStore) Load(ctx context.Context) (creds.Credential, error) {
	var (
		access, refresh sql.NullString
		expiry          sql.NullTime
		encVersion      int
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, s.provider())
	err := row.Scan(&access, &refresh, &expiry, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return creds.Credential{}, nil
	}
	if err != nil {
		return creds.Credential{}, fmt.Errorf("load token row: %w", err)
	}

	cred := creds.Credential{
		AccessToken:  access.String,
		RefreshToken: refresh.String,
	}
	if expiry.Valid {
		cred.ExpiresAt = expiry.Time.Unix()
	}

	if encVersion == 1 {
		if s.Sealer == nil {
			return creds.Credential{}, errors.New("stored token is sealed but no encryption key is configured")
		}
		if cred.AccessToken, err = s.Sealer.OpenString(cred.AccessToken); err != nil {
			return creds.Credential{}, fmt.Errorf("open access token: %w", err)
		}
		if cred.RefreshToken, err = s.Sealer.OpenString(cred.RefreshToken); err != nil {
			return creds.Credential{}, fmt.Errorf("open refresh token: %w", err)
		}
	}

	return cred, nil
}

// Save upserts the credential row for this provider.
func (s *TokenStore) Save(ctx context.Context, cred creds.Credential) error {
	access, refresh := cred.AccessToken, cred.RefreshToken
	encVersion := 0
	encKeyID := ""
	if s.Sealer != nil {
		encVersion = 1
		encKeyID = "default"
		var err error
		if access, err = s.Sealer.SealString(access); err != nil {
			return fmt.Errorf("seal access token: %w", err)
		}
		if refresh, err = s.Sealer.SealString(refresh); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	if _, err := s.DB.ExecContext(ctx, q, s.provider(), access, refresh, time.Unix(cred.ExpiresAt, 0).UTC(), encVersion, encKeyID); err != nil {
		return fmt.Errorf("upsert token row: %w", err)
	}
	return nil
}
