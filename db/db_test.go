package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chat-relay/creds"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	pool, err := Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := Migrate(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// testProvider returns a unique provider key and removes its row afterwards.
func testProvider(t *testing.T, pool *sql.DB) string {
	t.Helper()
	provider := "twitch-test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(`DELETE FROM oauth_tokens WHERE provider = $1`, provider)
	})
	return provider
}

func testSealer(t *testing.T) *creds.Sealer {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	sealer, err := creds.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return sealer
}

func TestMigrateIdempotent(t *testing.T) {
	pool := testDB(t)
	// Second run must be a no-op, not an error.
	if err := Migrate(context.Background(), pool); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestTokenStoreMissingRow(t *testing.T) {
	pool := testDB(t)
	store := &TokenStore{DB: pool, Provider: testProvider(t, pool)}

	cred, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cred.IsZero() {
		t.Errorf("Load with no row = %+v, want zero credential", cred)
	}
}

func TestTokenStoreNullColumns(t *testing.T) {
	pool := testDB(t)
	provider := testProvider(t, pool)
	store := &TokenStore{DB: pool, Provider: provider}

	// Rows written by hand or by older versions can leave every non-key
	// column NULL; Load must treat them as empty, not fail the scan.
	if _, err := pool.Exec(`INSERT INTO oauth_tokens (provider) VALUES ($1)`, provider); err != nil {
		t.Fatalf("insert null row: %v", err)
	}

	cred, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cred.IsZero() {
		t.Errorf("Load with NULL columns = %+v, want zero credential", cred)
	}
}

func TestTokenStorePlaintextRoundtrip(t *testing.T) {
	pool := testDB(t)
	store := &TokenStore{DB: pool, Provider: testProvider(t, pool)}

	want := creds.Credential{
		AccessToken:  "access-plain",
		RefreshToken: "refresh-plain",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}

	var encVersion int
	row := pool.QueryRow(`SELECT COALESCE(encryption_version, 0) FROM oauth_tokens WHERE provider = $1`, store.Provider)
	if err := row.Scan(&encVersion); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if encVersion != 0 {
		t.Errorf("encryption_version = %d, want 0 for plaintext store", encVersion)
	}
}

func TestTokenStoreSealedRoundtrip(t *testing.T) {
	pool := testDB(t)
	store := &TokenStore{DB: pool, Provider: testProvider(t, pool), Sealer: testSealer(t)}

	want := creds.Credential{
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var rawAccess string
	var encVersion int
	row := pool.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider = $1`, store.Provider)
	if err := row.Scan(&rawAccess, &encVersion); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if encVersion != 1 {
		t.Errorf("encryption_version = %d, want 1", encVersion)
	}
	if strings.Contains(rawAccess, "access-secret") {
		t.Error("stored access token is not sealed")
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestTokenStoreSealedRowNeedsKey(t *testing.T) {
	pool := testDB(t)
	provider := testProvider(t, pool)

	sealed := &TokenStore{DB: pool, Provider: provider, Sealer: testSealer(t)}
	if err := sealed.Save(context.Background(), creds.Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	plain := &TokenStore{DB: pool, Provider: provider}
	if _, err := plain.Load(context.Background()); err == nil {
		t.Error("loading a sealed row without a key should fail")
	}
}

func TestTokenStoreUpsertReplacesRow(t *testing.T) {
	pool := testDB(t)
	store := &TokenStore{DB: pool, Provider: testProvider(t, pool)}

	first := creds.Credential{AccessToken: "old", RefreshToken: "old-r", ExpiresAt: 100}
	if err := store.Save(context.Background(), first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := creds.Credential{AccessToken: "new", RefreshToken: "new-r", ExpiresAt: 200}
	if err := store.Save(context.Background(), second); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != second {
		t.Errorf("Load = %+v, want %+v", got, second)
	}
}
