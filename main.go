// Command chat-relay mirrors viewer messages from alternate live-chat
// platforms into one Twitch chat. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the credential store (Postgres when DB_DSN is set, a JSON tokens
//     file otherwise) and seeds the Twitch user token source from it.
//   - Starts one goroutine per enabled source (YouTube live chat polling,
//     Twitch IRC mirror), the wordlist watcher, and the rate-limited
//     dispatcher, wired together by the orchestrator.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics, and
//     an admin wordlist-reload endpoint.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/creds"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/moderation"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/server"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
	"github.com/onnwee/chat-relay/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	// A half-configured destination identity is a deployment mistake; a fully
	// absent one just puts the dispatcher in discard mode.
	if err := cfg.ValidateRelayReady(); err != nil {
		slog.Error("invalid config", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional at-rest encryption for stored tokens.
	var sealer *creds.Sealer
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		sealer, err = creds.NewSealer(key)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Credential store: Postgres when a DSN is configured, tokens file otherwise.
	var store creds.Store
	var pool *sql.DB
	if cfg.DBDsn != "" {
		pool, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := pool.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		if err := db.Migrate(ctx, pool); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		store = &db.TokenStore{DB: pool, Sealer: sealer}
		slog.Info("credential store: postgres")
	} else {
		store = &creds.FileStore{Path: cfg.TokensFile}
		slog.Info("credential store: file", slog.String("path", cfg.TokensFile))
	}

	// Seed the token source from the store, falling back to the env-provided
	// bootstrap credential when nothing has been persisted yet.
	seed, err := store.Load(ctx)
	if err != nil {
		slog.Warn("credential load failed, starting from env seed", slog.Any("err", err))
	}
	if seed.IsZero() && cfg.TwitchBotToken != "" {
		seed = creds.Credential{
			AccessToken:  cfg.TwitchBotToken,
			RefreshToken: cfg.TwitchRefreshToken,
			ExpiresAt:    cfg.TwitchTokenExpiresAt,
		}
	}
	tokens := twitchapi.NewUserTokenSource(cfg.TwitchClientID, cfg.TwitchClientSecret, store, cfg.EnvFile, seed)

	// Moderation filter, loaded once here and hot-reloaded by the orchestrator.
	filter := moderation.NewFilter(cfg.BannedWordsFile, moderation.Mode(cfg.BanMode), cfg.BanCaseSensitive, cfg.BanChar)

	// Outbound dispatcher. Empty identity fields put it in discard mode.
	helix := &twitchapi.HelixClient{Tokens: tokens, ClientID: cfg.TwitchClientID}
	broadcasterID, senderID := "", ""
	if cfg.DispatchEnabled() {
		broadcasterID, senderID = cfg.TwitchBroadcasterID, cfg.TwitchSenderID
		// Keep the token fresh in the background so the first send after a
		// quiet stretch doesn't pay the refresh round-trip.
		twitchapi.StartRefresher(ctx, tokens, 5*time.Minute, 15*time.Minute)
	}
	dispatcher := relay.NewDispatcher(helix, broadcasterID, senderID, relay.DefaultSendInterval)

	// Sources. A source that can't start is skipped, not fatal; the relay
	// runs with whatever subset is available.
	var sources []relay.Source
	prefixes := map[string]string{}
	if cfg.YouTubeEnabled() {
		yt, err := youtubeapi.New(ctx, youtubeapi.Config{
			APIKey:        cfg.YouTubeAPIKey,
			LiveChatID:    cfg.YouTubeLiveChatID,
			ChannelID:     cfg.YouTubeChannelID,
			ChannelHandle: cfg.YouTubeChannelHandle,
			VideoID:       cfg.YouTubeVideoID,
			PollFloor:     cfg.YTPollFloor,
		})
		if err != nil {
			slog.Warn("youtube source disabled", slog.Any("err", err))
		} else {
			sources = append(sources, yt)
			prefixes[yt.Name()] = cfg.PrefixYT
		}
	}
	if cfg.MirrorEnabled() {
		mirror, err := chat.New(cfg.MirrorChannel)
		if err != nil {
			slog.Warn("twitch mirror source disabled", slog.Any("err", err))
		} else {
			sources = append(sources, mirror)
			prefixes[mirror.Name()] = cfg.PrefixMirror
		}
	}
	if len(sources) == 0 {
		slog.Error("no chat sources enabled, nothing to relay")
		os.Exit(1)
	}
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name())
	}
	slog.Info("starting relay", slog.Any("sources", names))

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/readiness/status/metrics/admin)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := server.NewHandlers(pool, filter, dispatcher, tokens, names)
	go func() {
		if err := server.Start(ctx, addr, handlers); err != nil {
			slog.Error("http server stopped", slog.Any("err", err))
		}
	}()

	orch := &relay.Orchestrator{
		Filter:        filter,
		Dispatcher:    dispatcher,
		Sources:       sources,
		Prefixes:      prefixes,
		WatchInterval: cfg.BanWatchInterval,
	}
	orch.Run(ctx)
}
