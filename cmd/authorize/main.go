// Command authorize runs the one-shot OAuth authorization-code flow that
// mints the relay's first Twitch user credential. It serves a small local
// web server: /login redirects to Twitch's consent page, /callback exchanges
// the returned code for tokens, persists them through the configured
// credential store, and mirrors them into the bootstrap .env file.
//
// Run it once, open the printed URL in a browser, sign in as the bot account,
// then stop the process. The relay picks the credential up on next start.
//
// Environment:
//
//	TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET: app credentials (required)
//	TWITCH_SCOPES: requested scopes (default "user:write:chat user:bot")
//	TWITCH_TOKENS_FILE: tokens file path (default twitch_tokens.json)
//	DB_DSN: persist to Postgres instead of the tokens file when set
//	ENV_FILE: bootstrap env file to mirror into (default .env)
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/creds"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/twitchapi"
)

func main() {
	bind := flag.String("bind", "localhost:3750", "Address the callback server listens on")
	publicBase := flag.String("public-base", "", "Externally reachable base URL (default http://<bind>)")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
		slog.Error("set TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET")
		os.Exit(1)
	}

	base := *publicBase
	if base == "" {
		base = "http://" + *bind
	}
	redirectURI := base + "/callback"
	oc := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, redirectURI, cfg.TwitchScopes)

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open credential store", slog.Any("err", err))
		os.Exit(1)
	}

	state, err := newState()
	if err != nil {
		slog.Error("failed to generate state", slog.Any("err", err))
		os.Exit(1)
	}

	done := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "Open /login to authorize the bot account.")
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		url := oc.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true"))
		http.Redirect(w, r, url, http.StatusFound)
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" || r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch or missing code", http.StatusBadRequest)
			return
		}

		tok, err := oc.Exchange(r.Context(), code)
		if err != nil {
			slog.Error("code exchange failed", slog.Any("err", err))
			http.Error(w, "code exchange failed", http.StatusBadGateway)
			return
		}
		cred := creds.Credential{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    twitchapi.TokenExpiry(tok).Unix(),
		}
		if err := store.Save(r.Context(), cred); err != nil {
			slog.Error("failed to persist credential", slog.Any("err", err))
			http.Error(w, "failed to persist credential", http.StatusInternalServerError)
			return
		}
		if err := creds.MirrorToEnv(cfg.EnvFile, cred); err != nil {
			slog.Warn("failed to mirror credential to env file", slog.Any("err", err))
		}

		login, userID := validate(r.Context(), tok.AccessToken)
		slog.Info("bot authorized",
			slog.String("login", login),
			slog.String("user_id", userID),
			slog.Time("expires_at", cred.Expiry()))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<h1>Bot authorized</h1><p>User: %s (user_id: %s)</p><p>You can close this window.</p>", login, userID)
		close(done)
	})

	srv := &http.Server{
		Addr:              *bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("authorization server listening", slog.String("url", base+"/login"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-done
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("credential saved, done")
}

func openStore(ctx context.Context, cfg *config.Config) (creds.Store, error) {
	if cfg.DBDsn == "" {
		return &creds.FileStore{Path: cfg.TokensFile}, nil
	}
	pool, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		return nil, err
	}
	var sealer *creds.Sealer
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		if sealer, err = creds.NewSealer(key); err != nil {
			return nil, err
		}
	}
	return &db.TokenStore{DB: pool, Sealer: sealer}, nil
}

func newState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validate asks Twitch who the token belongs to, for the confirmation page.
// Best-effort: failures just leave the fields blank.
func validate(ctx context.Context, accessToken string) (login, userID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://id.twitch.tv/oauth2/validate", nil)
	if err != nil {
		return "", ""
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", ""
	}
	defer resp.Body.Close()
	var body struct {
		Login  string `json:"login"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", ""
	}
	return body.Login, body.UserID
}
