package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/moderation"
	"github.com/onnwee/chat-relay/telemetry"
)

// Orchestrator runs every enabled source alongside the wordlist watcher and
// the dispatcher worker, and pumps events through moderation into the
// dispatcher. Each task runs independently; one source failing or stalling
// never affects its siblings.
type Orchestrator struct {
	Filter     *moderation.Filter
	Dispatcher *Dispatcher
	Sources    []Source

	// Prefixes maps a source name to the label prepended to its relayed
	// messages, e.g. "youtube" -> "🔴[YT] ".
	Prefixes map[string]string

	// WatchInterval is how often the wordlist file is polled for changes.
	WatchInterval time.Duration
}

// Run blocks until ctx is cancelled and every task has wound down.
func (o *Orchestrator) Run(ctx context.Context) {
	events := make(chan ChatEvent, 256)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Filter.Watch(ctx, o.WatchInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Dispatcher.Run(ctx)
	}()

	for _, src := range o.Sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			slog.Info("source started", slog.String("source", s.Name()))
			s.Run(ctx, events)
			slog.Info("source stopped", slog.String("source", s.Name()))
		}(src)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("relay stopped")
			return
		case ev := <-events:
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev ChatEvent) {
	telemetry.CountEvent(ev.Source)

	dec := o.Filter.Apply(ev.Text)
	telemetry.CountVerdict(string(dec.Verdict))
	if dec.Verdict == moderation.VerdictDrop {
		slog.Debug("message dropped by wordlist",
			slog.String("source", ev.Source),
			slog.String("author", ev.Author))
		return
	}

	o.Dispatcher.Send(o.Prefixes[ev.Source] + ev.Author + ": " + dec.Text)
}
