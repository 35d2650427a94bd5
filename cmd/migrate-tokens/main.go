// Command migrate-tokens seals stored OAuth tokens at rest.
//
// It rewrites every oauth_tokens row with encryption_version=0 (plaintext) to
// version=1 (AES-256-GCM sealed). Run it once after setting ENCRYPTION_KEY on
// an installation that previously stored tokens in the clear.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Flags:
//
//	--dry-run: report what would be sealed without changing anything
//	--provider: limit to one provider row (default: all)
//
// Environment:
//
//	DB_DSN: database connection string (required)
//	ENCRYPTION_KEY: base64-encoded 32-byte key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chat-relay/creds"
)

type tokenRow struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Report what would be sealed without making changes")
	provider := flag.String("provider", "", "Seal tokens for one provider only (default: all)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}

	sealer, err := creds.NewSealer(key)
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if err := migrateTokens(ctx, database, sealer, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("migration completed successfully")
}

// migrateTokens seals every plaintext row (encryption_version=0).
func migrateTokens(ctx context.Context, database *sql.DB, sealer *creds.Sealer, dryRun bool, providerFilter string) error {
	query := `
		SELECT provider, access_token, refresh_token, expires_at
		FROM oauth_tokens
		WHERE encryption_version = 0
	`
	args := []any{}
	if providerFilter != "" {
		query += " AND provider = $1"
		args = append(args, providerFilter)
	}
	query += " ORDER BY provider"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query plaintext tokens: %w", err)
	}
	defer rows.Close()

	var tokens []tokenRow
	for rows.Next() {
		var tok tokenRow
		if err := rows.Scan(&tok.Provider, &tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt); err != nil {
			return fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating token rows: %w", err)
	}

	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}

	slog.Info("found plaintext tokens to migrate",
		slog.Int("count", len(tokens)),
		slog.Bool("dry_run", dryRun))

	migrated := 0
	failed := 0
	for _, tok := range tokens {
		logger := slog.With(slog.String("provider", tok.Provider))
		if dryRun {
			logger.Info("would seal token (dry-run)")
			migrated++
			continue
		}
		if err := migrateToken(ctx, database, sealer, tok); err != nil {
			logger.Error("failed to seal token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("sealed token")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))

	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

// migrateToken seals one row and flips its encryption_version.
func migrateToken(ctx context.Context, database *sql.DB, sealer *creds.Sealer, tok tokenRow) error {
	sealedAccess, err := sealer.SealString(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh, err := sealer.SealString(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	// The version guard keeps a concurrent run from double-sealing the row.
	result, err := database.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET access_token = $1,
		    refresh_token = $2,
		    encryption_version = 1,
		    encryption_key_id = 'default',
		    updated_at = NOW()
		WHERE provider = $3 AND encryption_version = 0
	`, sealedAccess, sealedRefresh, tok.Provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("row for provider %s changed underneath the migration", tok.Provider)
	}
	return nil
}
