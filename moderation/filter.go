package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/onnwee/chat-relay/telemetry"
)

// Filter owns the active matcher snapshot and hot-reloads it when the wordlist
// file changes. Readers call Apply on every event and never block on a reload:
// they see either the previous snapshot or the new one, never a half-built state.
type Filter struct {
	Path          string
	Mode          Mode
	CaseSensitive bool
	Filler        string

	matcher atomic.Pointer[Matcher]
}

// NewFilter compiles the wordlist once up front. A missing file starts empty;
// a read error is logged and also starts empty rather than failing startup.
func NewFilter(path string, mode Mode, caseSensitive bool, filler string) *Filter {
	f := &Filter{Path: path, Mode: mode, CaseSensitive: caseSensitive, Filler: filler}
	if f.Filler == "" {
		f.Filler = "*"
	}
	f.matcher.Store(&Matcher{})
	if path == "" {
		slog.Info("moderation wordlist not configured, all messages pass through")
		return f
	}
	if err := f.Reload(); err != nil {
		slog.Warn("initial wordlist load failed", slog.String("path", path), slog.Any("err", err))
	} else {
		slog.Info("wordlist loaded", slog.String("path", path), slog.Int("phrases", f.Phrases()))
	}
	return f
}

// Apply moderates one message with the current snapshot.
func (f *Filter) Apply(text string) Decision {
	return f.matcher.Load().Apply(text, f.Mode, f.Filler)
}

// Phrases reports the active snapshot's phrase count.
func (f *Filter) Phrases() int {
	return f.matcher.Load().Phrases()
}

// Reload recompiles the wordlist from disk and swaps the active snapshot.
// A missing file yields an empty matcher, which is a normal state. Any other
// read error leaves the current snapshot in place and is returned.
func (f *Filter) Reload() error {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		f.matcher.Store(&Matcher{})
		telemetry.ObserveWordlistReload(0)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read wordlist: %w", err)
	}
	m := Compile(ParseWordlist(string(b)), f.CaseSensitive)
	f.matcher.Store(m)
	telemetry.ObserveWordlistReload(m.Phrases())
	return nil
}

// Watch polls the wordlist file's modification time every interval and reloads
// on change, until ctx is done. Deleting the file clears the matcher; creating
// it later repopulates. I/O errors keep the previous snapshot active.
func (f *Filter) Watch(ctx context.Context, interval time.Duration) {
	if f.Path == "" {
		return
	}
	if interval <= 0 {
		interval = 600 * time.Second
	}
	var lastMod time.Time
	if st, err := os.Stat(f.Path); err == nil {
		lastMod = st.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := os.Stat(f.Path)
		if errors.Is(err, os.ErrNotExist) {
			if !lastMod.IsZero() {
				lastMod = time.Time{}
				f.matcher.Store(&Matcher{})
				telemetry.ObserveWordlistReload(0)
				slog.Info("wordlist removed, cleared banned phrases", slog.String("path", f.Path))
			}
			continue
		}
		if err != nil {
			slog.Warn("wordlist stat failed", slog.String("path", f.Path), slog.Any("err", err))
			continue
		}
		if st.ModTime().Equal(lastMod) {
			continue
		}
		if err := f.Reload(); err != nil {
			slog.Warn("wordlist reload failed, keeping previous snapshot", slog.String("path", f.Path), slog.Any("err", err))
			continue
		}
		lastMod = st.ModTime()
		slog.Info("wordlist reloaded", slog.String("path", f.Path), slog.Int("phrases", f.Phrases()))
	}
}
