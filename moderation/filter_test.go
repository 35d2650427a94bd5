package moderation

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

var mtimeBump atomic.Int64

func writeWordlist(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write wordlist: %v", err)
	}
	// force a strictly increasing mtime so the watcher always sees the change
	ts := time.Now().Add(time.Duration(mtimeBump.Add(1)) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestFilterInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")
	writeWordlist(t, path, "# banned phrases\nheck\n")

	f := NewFilter(path, ModeMask, false, "*")
	if f.Phrases() != 1 {
		t.Errorf("Phrases() = %d, want 1", f.Phrases())
	}
	if got := f.Apply("what the heck"); got.Verdict != VerdictMask || got.Text != "what the ****" {
		t.Errorf("Apply() = %+v", got)
	}
}

func TestFilterMissingFileAllowsAll(t *testing.T) {
	f := NewFilter(filepath.Join(t.TempDir(), "absent.txt"), ModeDrop, false, "*")
	if got := f.Apply("anything"); got.Verdict != VerdictAllow {
		t.Errorf("Apply() with missing wordlist = %s, want allow", got.Verdict)
	}
}

func TestFilterReloadToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")
	writeWordlist(t, path, "heck\n")

	f := NewFilter(path, ModeMask, false, "*")
	if got := f.Apply("heck"); got.Verdict != VerdictMask {
		t.Fatalf("Apply() before reload = %s, want mask", got.Verdict)
	}

	writeWordlist(t, path, "# everything unbanned\n")
	if err := f.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if got := f.Apply("heck"); got.Verdict != VerdictAllow {
		t.Errorf("Apply() after reload-to-empty = %s, want allow", got.Verdict)
	}
	if f.Phrases() != 0 {
		t.Errorf("Phrases() after reload = %d, want 0", f.Phrases())
	}
}

func TestWatchPicksUpEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")
	writeWordlist(t, path, "# nothing yet\n")

	f := NewFilter(path, ModeMask, false, "*")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Watch(ctx, 20*time.Millisecond)

	writeWordlist(t, path, "newword\n")
	waitFor(t, 2*time.Second, func() bool {
		return f.Apply("a newword here").Verdict == VerdictMask
	}, "watcher to pick up the added phrase")
}

func TestWatchFileRemovedClearsMatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")
	writeWordlist(t, path, "heck\n")

	f := NewFilter(path, ModeMask, false, "*")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Watch(ctx, 20*time.Millisecond)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return f.Apply("heck").Verdict == VerdictAllow
	}, "watcher to clear the matcher after deletion")
}

func TestWatchFileCreatedLate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")

	f := NewFilter(path, ModeMask, false, "*")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Watch(ctx, 20*time.Millisecond)

	if got := f.Apply("heck"); got.Verdict != VerdictAllow {
		t.Fatalf("Apply() before file exists = %s, want allow", got.Verdict)
	}

	writeWordlist(t, path, "heck\n")
	waitFor(t, 2*time.Second, func() bool {
		return f.Apply("heck").Verdict == VerdictMask
	}, "watcher to load the created file")
}

func TestWatchStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned.txt")
	writeWordlist(t, path, "heck\n")

	f := NewFilter(path, ModeMask, false, "*")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Watch(ctx, 20*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}
