package youtubeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/option"

	"github.com/onnwee/chat-relay/relay"
)

type recordedReq struct {
	path  string
	query url.Values
	at    time.Time
}

// apiRecorder captures every request the client makes so tests can assert on
// paths, cursors, and timing.
type apiRecorder struct {
	mu   sync.Mutex
	reqs []recordedReq
}

func (r *apiRecorder) add(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, recordedReq{path: req.URL.Path, query: req.URL.Query(), at: time.Now()})
}

func (r *apiRecorder) byPath(path string) []recordedReq {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedReq
	for _, req := range r.reqs {
		if req.path == path {
			out = append(out, req)
		}
	}
	return out
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func apiError(code int, message string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": message}}
}

func newTestSource(t *testing.T, srv *httptest.Server, cfg Config) *Source {
	t.Helper()
	cfg.APIKey = "test-key"
	if cfg.PollFloor == 0 {
		cfg.PollFloor = time.Millisecond
	}
	cfg.Options = []option.ClientOption{option.WithEndpoint(srv.URL)}
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func runSource(t *testing.T, s *Source) (<-chan relay.ChatEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan relay.ChatEvent, 16)
	done := make(chan struct{})
	go func() {
		s.Run(ctx, out)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return out, cancel
}

func nextEvent(t *testing.T, out <-chan relay.ChatEvent) relay.ChatEvent {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return relay.ChatEvent{}
	}
}

func chatMessage(author, text string) map[string]any {
	m := map[string]any{"snippet": map[string]any{"displayMessage": text}}
	if author != "" {
		m["authorDetails"] = map[string]any{"displayName": author}
	}
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing api key", cfg: Config{LiveChatID: "chat-1"}},
		{name: "auto with no target", cfg: Config{APIKey: "k", LiveChatID: "AUTO"}},
		{name: "empty with no target", cfg: Config{APIKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg); err == nil {
				t.Error("New() should have failed")
			}
		})
	}

	ok := []Config{
		{APIKey: "k", LiveChatID: "chat-1"},
		{APIKey: "k", VideoID: "v-1"},
		{APIKey: "k", ChannelID: "UC-1"},
		{APIKey: "k", ChannelHandle: "@someone"},
	}
	for _, cfg := range ok {
		if _, err := New(context.Background(), cfg); err != nil {
			t.Errorf("New(%+v) = %v, want nil", cfg, err)
		}
	}
}

func TestRunPollsWithCursor(t *testing.T) {
	rec := &apiRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		if r.URL.Path != "/youtube/v3/liveChat/messages" {
			writeJSON(t, w, http.StatusNotFound, apiError(404, "unexpected path "+r.URL.Path))
			return
		}
		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"items":                 []any{chatMessage("Alice", "Hello &amp; welcome &lt;3")},
				"nextPageToken":         "page-2",
				"pollingIntervalMillis": 1,
			})
		case "page-2":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"items":                 []any{chatMessage("", "second message")},
				"nextPageToken":         "page-3",
				"pollingIntervalMillis": 1,
			})
		default:
			writeJSON(t, w, http.StatusOK, map[string]any{
				"nextPageToken":         "page-3",
				"pollingIntervalMillis": 1,
			})
		}
	}))
	defer srv.Close()

	s := newTestSource(t, srv, Config{LiveChatID: "chat-123"})
	out, cancel := runSource(t, s)

	first := nextEvent(t, out)
	if first.Author != "Alice" {
		t.Errorf("first.Author = %q, want Alice", first.Author)
	}
	if first.Text != "Hello & welcome <3" {
		t.Errorf("first.Text = %q, html entities should be decoded", first.Text)
	}
	if first.Source != "youtube" {
		t.Errorf("first.Source = %q, want youtube", first.Source)
	}

	second := nextEvent(t, out)
	if second.Author != "?" {
		t.Errorf("second.Author = %q, want fallback ?", second.Author)
	}
	if second.Text != "second message" {
		t.Errorf("second.Text = %q", second.Text)
	}
	cancel()

	polls := rec.byPath("/youtube/v3/liveChat/messages")
	if len(polls) < 2 {
		t.Fatalf("got %d polls, want at least 2", len(polls))
	}
	if got := polls[0].query.Get("pageToken"); got != "" {
		t.Errorf("first poll pageToken = %q, want empty", got)
	}
	if got := polls[1].query.Get("pageToken"); got != "page-2" {
		t.Errorf("second poll pageToken = %q, want page-2", got)
	}
	if got := polls[0].query.Get("liveChatId"); got != "chat-123" {
		t.Errorf("liveChatId = %q, want chat-123", got)
	}
	if got := polls[0].query.Get("maxResults"); got != "2000" {
		t.Errorf("maxResults = %q, want 2000", got)
	}
	if got := polls[0].query.Get("key"); got != "test-key" {
		t.Errorf("key = %q, want test-key", got)
	}
}

func TestRunSkipsEmptyMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"items": []any{
				map[string]any{"snippet": map[string]any{"displayMessage": ""}},
				map[string]any{"authorDetails": map[string]any{"displayName": "ghost"}},
				chatMessage("Bob", "real one"),
			},
			"pollingIntervalMillis": 60000,
		})
	}))
	defer srv.Close()

	s := newTestSource(t, srv, Config{LiveChatID: "chat-123"})
	out, _ := runSource(t, s)

	ev := nextEvent(t, out)
	if ev.Author != "Bob" || ev.Text != "real one" {
		t.Errorf("got event %+v, want Bob/real one", ev)
	}

	select {
	case extra := <-out:
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunHonorsServerPollingInterval(t *testing.T) {
	rec := &apiRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		writeJSON(t, w, http.StatusOK, map[string]any{"pollingIntervalMillis": 80})
	}))
	defer srv.Close()

	s := newTestSource(t, srv, Config{LiveChatID: "chat-123"})
	runSource(t, s)

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.byPath("/youtube/v3/liveChat/messages")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	polls := rec.byPath("/youtube/v3/liveChat/messages")
	if len(polls) < 2 {
		t.Fatal("timed out waiting for second poll")
	}
	if gap := polls[1].at.Sub(polls[0].at); gap < 70*time.Millisecond {
		t.Errorf("polls %v apart, want at least the 80ms the server asked for", gap)
	}
}

func TestRunEnforcesPollFloor(t *testing.T) {
	rec := &apiRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		writeJSON(t, w, http.StatusOK, map[string]any{"pollingIntervalMillis": 0})
	}))
	defer srv.Close()

	s := newTestSource(t, srv, Config{LiveChatID: "chat-123", PollFloor: 80 * time.Millisecond})
	runSource(t, s)

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.byPath("/youtube/v3/liveChat/messages")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	polls := rec.byPath("/youtube/v3/liveChat/messages")
	if len(polls) < 2 {
		t.Fatal("timed out waiting for second poll")
	}
	if gap := polls[1].at.Sub(polls[0].at); gap < 70*time.Millisecond {
		t.Errorf("polls %v apart, want at least the 80ms floor", gap)
	}
}

func TestRunReresolvesWhenChatGone(t *testing.T) {
	rec := &apiRecorder{}
	var mu sync.Mutex
	videoCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		switch r.URL.Path {
		case "/youtube/v3/videos":
			mu.Lock()
			videoCalls++
			n := videoCalls
			mu.Unlock()
			chatID := "chat-A"
			if n > 1 {
				chatID = "chat-B"
			}
			writeJSON(t, w, http.StatusOK, map[string]any{
				"items": []any{map[string]any{"liveStreamingDetails": map[string]any{"activeLiveChatId": chatID}}},
			})
		case "/youtube/v3/liveChat/messages":
			q := r.URL.Query()
			switch {
			case q.Get("liveChatId") == "chat-A" && q.Get("pageToken") == "":
				writeJSON(t, w, http.StatusOK, map[string]any{
					"items":                 []any{chatMessage("A", "before rotation")},
					"nextPageToken":         "tok-A",
					"pollingIntervalMillis": 1,
				})
			case q.Get("liveChatId") == "chat-A":
				writeJSON(t, w, http.StatusForbidden, apiError(403, "The live chat is no longer live."))
			default:
				writeJSON(t, w, http.StatusOK, map[string]any{
					"items":                 []any{chatMessage("B", "after rotation")},
					"pollingIntervalMillis": 60000,
				})
			}
		default:
			writeJSON(t, w, http.StatusNotFound, apiError(404, "unexpected path "+r.URL.Path))
		}
	}))
	defer srv.Close()

	s := newTestSource(t, srv, Config{LiveChatID: "AUTO", VideoID: "vid-1"})
	out, _ := runSource(t, s)

	first := nextEvent(t, out)
	if first.Text != "before rotation" {
		t.Errorf("first event = %q", first.Text)
	}
	second := nextEvent(t, out)
	if second.Text != "after rotation" {
		t.Errorf("second event = %q, want the post-rotation message", second.Text)
	}

	videos := rec.byPath("/youtube/v3/videos")
	if len(videos) < 2 {
		t.Fatalf("got %d video lookups, want 2 (initial resolve plus re-resolve)", len(videos))
	}
	for _, req := range rec.byPath("/youtube/v3/liveChat/messages") {
		if req.query.Get("liveChatId") == "chat-B" && req.query.Get("pageToken") != "" {
			t.Errorf("cursor leaked across chats: chat-B polled with pageToken %q", req.query.Get("pageToken"))
		}
	}
}

func TestRunResolvesChannelHandle(t *testing.T) {
	rec := &apiRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		switch r.URL.Path {
		case "/youtube/v3/search":
			q := r.URL.Query()
			if q.Get("type") == "channel" {
				writeJSON(t, w, http.StatusOK, map[string]any{
					"items": []any{map[string]any{"id": map[string]any{"channelId": "UC-42"}}},
				})
				return
			}
			writeJSON(t, w, http.StatusOK, map[string]any{
				"items": []any{map[string]any{"id": map[string]any{"videoId": "vid-9"}}},
			})
		case "/youtube/v3/videos":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"items": []any{map[string]any{"liveStreamingDetails": map[string]any{"activeLiveChatId": "chat-9"}}},
			})
		case "/youtube/v3/liveChat/messages":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"items":                 []any{chatMessage("fan", "found you")},
				"pollingIntervalMillis": 60000,
			})
		default:
			writeJSON(t, w, http.StatusNotFound, apiError(404, "unexpected path "+r.URL.Path))
		}
	}))
	defer srv.Close()

	s := newTestSource(t, srv, Config{LiveChatID: "AUTO", ChannelHandle: "@somecreator"})
	out, _ := runSource(t, s)

	ev := nextEvent(t, out)
	if ev.Text != "found you" {
		t.Errorf("event = %q", ev.Text)
	}

	searches := rec.byPath("/youtube/v3/search")
	if len(searches) != 2 {
		t.Fatalf("got %d searches, want 2 (channel lookup then live lookup)", len(searches))
	}
	if got := searches[0].query.Get("q"); got != "somecreator" {
		t.Errorf("channel search q = %q, want handle without @", got)
	}
	if got := searches[1].query.Get("channelId"); got != "UC-42" {
		t.Errorf("live search channelId = %q, want UC-42", got)
	}
	if got := searches[1].query.Get("eventType"); got != "live" {
		t.Errorf("live search eventType = %q, want live", got)
	}
	polls := rec.byPath("/youtube/v3/liveChat/messages")
	if len(polls) == 0 || polls[0].query.Get("liveChatId") != "chat-9" {
		t.Errorf("poll did not target the resolved chat: %+v", polls)
	}
}
