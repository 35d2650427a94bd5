package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

// maxMessageLen is the destination's message length cap in characters.
// Longer messages are truncated, never rejected.
const maxMessageLen = 500

// DefaultSendInterval is the destination chat's rate contract: one message
// per rolling second per channel, shared across every source feeding the
// dispatcher.
const DefaultSendInterval = time.Second

// Sender posts one message to the destination chat.
type Sender interface {
	SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error
}

// Stats is a point-in-time snapshot of dispatcher counters for diagnostics.
type Stats struct {
	Queued     int       `json:"queued"`
	Sent       int64     `json:"sent"`
	Failed     int64     `json:"failed"`
	Discarded  int64     `json:"discarded"`
	Disabled   bool      `json:"disabled"`
	LastSentAt time.Time `json:"last_sent_at,omitempty"`
}

// Dispatcher serializes outbound sends behind a single queue so the shared
// rate limit holds no matter how many sources feed it. Delivery failures are
// logged and counted, never propagated back to producers.
//
// When the destination identity is incomplete the dispatcher is constructed
// disabled and discards every message. Sources keep running; the relay is
// ingest-only.
type Dispatcher struct {
	sender        Sender
	broadcasterID string
	senderID      string
	minInterval   time.Duration
	disabled      bool

	queue    chan string
	lastSent atomic.Int64 // unix nanos, stamped after each attempt completes

	sent      atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
}

// NewDispatcher builds a dispatcher for the given destination identity.
// minInterval <= 0 falls back to DefaultSendInterval.
func NewDispatcher(sender Sender, broadcasterID, senderID string, minInterval time.Duration) *Dispatcher {
	if minInterval <= 0 {
		minInterval = DefaultSendInterval
	}
	d := &Dispatcher{
		sender:        sender,
		broadcasterID: broadcasterID,
		senderID:      senderID,
		minInterval:   minInterval,
		queue:         make(chan string, 64),
	}
	if broadcasterID == "" || senderID == "" {
		d.disabled = true
		slog.Info("destination identity not configured, relay runs ingest-only")
	}
	return d
}

// Send queues one message for delivery. It never blocks producers: when the
// dispatcher is disabled or the queue is full the message is discarded and
// counted.
func (d *Dispatcher) Send(text string) {
	if d.disabled {
		d.discarded.Add(1)
		telemetry.CountSend("discarded")
		return
	}
	select {
	case d.queue <- text:
		telemetry.SetDispatchQueueDepth(len(d.queue))
	default:
		d.discarded.Add(1)
		telemetry.CountSend("discarded")
		slog.Warn("dispatch queue full, message discarded")
	}
}

// Run drains the queue, enforcing the minimum spacing between send attempts.
// It returns when ctx is cancelled; queued messages are abandoned at that
// point.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-d.queue:
			telemetry.SetDispatchQueueDepth(len(d.queue))
			d.deliver(ctx, text)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, text string) {
	if wait := d.minInterval - time.Since(d.lastSentTime()); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	text = truncate(text, maxMessageLen)

	sendCtx, span := telemetry.StartSpan(ctx, "relay", "dispatcher.send")
	defer span.End()

	var err error
	telemetry.TimeFunc(telemetry.SendDuration, func() {
		err = d.sender.SendChatMessage(sendCtx, d.broadcasterID, d.senderID, text)
	})
	d.lastSent.Store(time.Now().UnixNano())

	if err != nil {
		d.failed.Add(1)
		status := "http_error"
		var rerr *twitchapi.RefreshError
		if errors.As(err, &rerr) || errors.Is(err, twitchapi.ErrNoCredential) {
			status = "auth_error"
		}
		telemetry.CountSend(status)
		telemetry.RecordError(span, err)
		slog.Warn("relay send failed",
			slog.String("status", status),
			slog.Any("err", err))
		return
	}

	d.sent.Add(1)
	telemetry.CountSend("ok")
	telemetry.SetSpanSuccess(span)
}

func (d *Dispatcher) lastSentTime() time.Time {
	ns := d.lastSent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats reports current dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Queued:    len(d.queue),
		Sent:      d.sent.Load(),
		Failed:    d.failed.Load(),
		Discarded: d.discarded.Load(),
		Disabled:  d.disabled,
	}
	if ns := d.lastSent.Load(); ns != 0 {
		s.LastSentAt = time.Unix(0, ns)
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
