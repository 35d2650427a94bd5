// Package relay wires chat sources through the moderation filter into the
// rate-limited outbound dispatcher, and supervises their lifetimes.
package relay

import (
	"context"
	"time"
)

// ChatEvent is one normalized message produced by a source. Immutable once
// emitted; consumed exactly once by the moderation/dispatch pipeline.
type ChatEvent struct {
	Source     string
	Author     string
	Text       string
	ReceivedAt time.Time
}

// Source produces a stream of chat events. Run blocks until ctx is done and
// recovers from upstream failures internally; it never returns early because
// of one. Emitting must honor ctx so shutdown is never blocked on a full
// channel.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- ChatEvent)
}
