// Package config loads environment variables and provides a typed Config used across the relay.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For the outbound Twitch identity, use ValidateRelayReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Twitch destination (where relayed messages are posted)
	TwitchClientID      string
	TwitchClientSecret  string
	TwitchBroadcasterID string
	TwitchSenderID      string
	TwitchRedirectURI   string
	TwitchScopes        string

	// Seed credential used until the token store has a persisted record
	TwitchBotToken       string
	TwitchRefreshToken   string
	TwitchTokenExpiresAt int64
	TokensFile           string
	EnvFile              string

	// YouTube live-chat source
	EnableYT             bool
	YouTubeAPIKey        string
	YouTubeLiveChatID    string
	YouTubeChannelID     string
	YouTubeChannelHandle string
	YouTubeVideoID       string
	PrefixYT             string
	YTPollFloor          time.Duration

	// Twitch mirror source (read-only IRC)
	EnableMirror  bool
	MirrorChannel string
	PrefixMirror  string

	// Moderation
	BannedWordsFile  string
	BanMode          string
	BanChar          string
	BanCaseSensitive bool
	BanWatchInterval time.Duration

	// Database (optional durable token store; empty falls back to the tokens file)
	DBDsn string
}

// Load reads environment variables and applies defaults. It doesn't fail if the Twitch
// identity is missing; use ValidateRelayReady() when you require outbound sends. Missing
// optional variables disable features (e.g., the YouTube source without an API key).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchBroadcasterID = os.Getenv("TWITCH_BROADCASTER_ID")
	cfg.TwitchSenderID = os.Getenv("TWITCH_SENDER_ID")
	cfg.TwitchRedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	cfg.TwitchScopes = os.Getenv("TWITCH_SCOPES")
	if cfg.TwitchScopes == "" {
		// default scopes for posting chat messages as the bot user
		cfg.TwitchScopes = "user:write:chat user:bot"
	}

	// Seed credential
	cfg.TwitchBotToken = os.Getenv("TWITCH_BOT_TOKEN")
	cfg.TwitchRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")
	if v := os.Getenv("TWITCH_TOKEN_EXPIRES_AT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TWITCH_TOKEN_EXPIRES_AT (epoch seconds): %w", err)
		}
		cfg.TwitchTokenExpiresAt = n
	}
	cfg.TokensFile = os.Getenv("TWITCH_TOKENS_FILE")
	if cfg.TokensFile == "" {
		cfg.TokensFile = "twitch_tokens.json"
	}
	cfg.EnvFile = os.Getenv("ENV_FILE")
	if cfg.EnvFile == "" {
		cfg.EnvFile = ".env"
	}

	// YouTube
	cfg.EnableYT = envBool("ENABLE_YT", true)
	cfg.YouTubeAPIKey = os.Getenv("YOUTUBE_API_KEY")
	cfg.YouTubeLiveChatID = os.Getenv("YOUTUBE_LIVE_CHAT_ID")
	cfg.YouTubeChannelID = os.Getenv("YOUTUBE_CHANNEL_ID")
	cfg.YouTubeChannelHandle = os.Getenv("YOUTUBE_CHANNEL_HANDLE")
	cfg.YouTubeVideoID = os.Getenv("YOUTUBE_VIDEO_ID")
	cfg.PrefixYT = os.Getenv("PREFIX_YT")
	if cfg.PrefixYT == "" {
		cfg.PrefixYT = "🔴[YT] "
	}
	cfg.YTPollFloor = 3 * time.Second
	if v := os.Getenv("YT_MIN_POLL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid YT_MIN_POLL_MS (positive integer milliseconds): %q", v)
		}
		cfg.YTPollFloor = time.Duration(ms) * time.Millisecond
	}

	// Twitch mirror
	cfg.EnableMirror = envBool("ENABLE_MIRROR", true)
	cfg.MirrorChannel = os.Getenv("TWITCH_MIRROR_CHANNEL")
	cfg.PrefixMirror = os.Getenv("PREFIX_MIRROR")
	if cfg.PrefixMirror == "" {
		cfg.PrefixMirror = "🟣[TTV] "
	}

	// Moderation
	cfg.BannedWordsFile = os.Getenv("BANNED_WORDS_FILE")
	if cfg.BannedWordsFile == "" {
		cfg.BannedWordsFile = "banned_words.txt"
	}
	cfg.BanMode = strings.ToLower(strings.TrimSpace(os.Getenv("BAN_MODE")))
	if cfg.BanMode == "" {
		cfg.BanMode = "mask"
	}
	if cfg.BanMode != "mask" && cfg.BanMode != "drop" {
		return nil, fmt.Errorf("invalid BAN_MODE %q: want mask or drop", cfg.BanMode)
	}
	cfg.BanChar = os.Getenv("BAN_CHAR")
	if cfg.BanChar == "" {
		cfg.BanChar = "*"
	}
	// masking uses a single rune
	if r := []rune(cfg.BanChar); len(r) > 1 {
		cfg.BanChar = string(r[0])
	}
	cfg.BanCaseSensitive = envBool("BAN_CASE_SENSITIVE", false)
	cfg.BanWatchInterval = 600 * time.Second
	if v := os.Getenv("BAN_WATCH_INTERVAL"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid BAN_WATCH_INTERVAL (seconds): %q", v)
		}
		cfg.BanWatchInterval = time.Duration(secs * float64(time.Second))
	}

	// DB
	cfg.DBDsn = os.Getenv("DB_DSN")

	return cfg, nil
}

// ValidateRelayReady rejects a half-configured Twitch identity. A fully absent identity
// is allowed (the dispatcher runs in discard mode); a partial one is a deployment mistake.
func (c *Config) ValidateRelayReady() error {
	if c.TwitchBroadcasterID == "" && c.TwitchSenderID == "" {
		return nil
	}
	var missing []string
	if c.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}
	if c.TwitchBroadcasterID == "" {
		missing = append(missing, "TWITCH_BROADCASTER_ID")
	}
	if c.TwitchSenderID == "" {
		missing = append(missing, "TWITCH_SENDER_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("incomplete twitch identity: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// DispatchEnabled reports whether outbound sends are possible at all.
func (c *Config) DispatchEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchBroadcasterID != "" && c.TwitchSenderID != ""
}

// YouTubeEnabled reports whether the YouTube polling source should start.
func (c *Config) YouTubeEnabled() bool {
	return c.EnableYT && c.YouTubeAPIKey != ""
}

// MirrorEnabled reports whether the Twitch IRC mirror source should start.
func (c *Config) MirrorEnabled() bool {
	return c.EnableMirror && c.MirrorChannel != ""
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
