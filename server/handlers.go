// Package server exposes the relay's operational HTTP API: health and
// readiness probes, a status summary, Prometheus metrics, and an admin
// endpoint for reloading the moderation wordlist. Correlation IDs are
// injected into request contexts for consistent logging.
package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-relay/moderation"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/twitchapi"
)

// Handlers holds dependencies for all HTTP handlers. db and tokens may be nil
// depending on configuration; filter and dispatcher are always present.
type Handlers struct {
	db         *sql.DB
	filter     *moderation.Filter
	dispatcher *relay.Dispatcher
	tokens     *twitchapi.UserTokenSource
	sources    []string
	startedAt  time.Time
}

// NewHandlers creates a Handlers instance with the given dependencies.
func NewHandlers(pool *sql.DB, filter *moderation.Filter, dispatcher *relay.Dispatcher, tokens *twitchapi.UserTokenSource, sources []string) *Handlers {
	if sources == nil {
		sources = []string{}
	}
	return &Handlers{
		db:         pool,
		filter:     filter,
		dispatcher: dispatcher,
		tokens:     tokens,
		sources:    sources,
		startedAt:  time.Now(),
	}
}

// HandleHealthz responds to liveness probe requests. Database connectivity is
// checked only when a database is configured.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(r.Context())
		}},
		{"credential", func() error {
			// Ingest-only mode needs no credential.
			if h.dispatcher.Stats().Disabled {
				return nil
			}
			if h.tokens == nil || h.tokens.Credential().IsZero() {
				return fmt.Errorf("no twitch credential available")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary: running sources,
// dispatcher counters, moderation state, and token expiry.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]any{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"sources":        h.sources,
		"dispatch":       h.dispatcher.Stats(),
		"moderation": map[string]any{
			"phrases": h.filter.Phrases(),
			"mode":    string(h.filter.Mode),
		},
	}

	token := map[string]any{"present": false}
	if h.tokens != nil {
		if cred := h.tokens.Credential(); !cred.IsZero() {
			token["present"] = true
			token["expires_at"] = cred.ExpiresAt
		}
	}
	resp["token"] = token

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleModerationReload forces a wordlist recompile without waiting for the
// file watcher to notice a change.
func (h *Handlers) HandleModerationReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.filter.Reload(); err != nil {
		slog.Error("manual wordlist reload failed", slog.Any("err", err))
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	slog.Info("wordlist reloaded via admin endpoint", slog.Int("phrases", h.filter.Phrases()))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "reloaded",
		"phrases": h.filter.Phrases(),
	})
}
