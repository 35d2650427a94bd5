package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-relay/relay"
)

const sourceName = "twitch-mirror"

const reconnectDelay = 5 * time.Second

// ircClient is the slice of the IRC client the source uses. Tests swap
// newIRCClient to run without a network.
type ircClient interface {
	OnPrivateMessage(callback func(message twitch.PrivateMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

var newIRCClient = func() ircClient { return twitch.NewAnonymousClient() }

// Source mirrors a Twitch channel's chat into the relay.
type Source struct {
	channel        string
	reconnectDelay time.Duration
}

// New builds a mirror source for the given channel name. Leading '#' and
// casing are normalized away.
func New(channel string) (*Source, error) {
	channel = strings.TrimPrefix(strings.TrimSpace(channel), "#")
	if channel == "" {
		return nil, errors.New("chat: mirror channel required")
	}
	return &Source{
		channel:        strings.ToLower(channel),
		reconnectDelay: reconnectDelay,
	}, nil
}

func (s *Source) Name() string { return sourceName }

// Run keeps a connection to the channel open until ctx is cancelled,
// reconnecting after a short delay when it drops.
func (s *Source) Run(ctx context.Context, out chan<- relay.ChatEvent) {
	for {
		err := s.runOnce(ctx, out)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("twitch mirror connection lost, reconnecting",
			slog.String("channel", s.channel),
			slog.Any("err", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Source) runOnce(ctx context.Context, out chan<- relay.ChatEvent) error {
	client := newIRCClient()

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if msg.Message == "" {
			return
		}
		author := msg.User.DisplayName
		if author == "" {
			author = msg.User.Name
		}
		ev := relay.ChatEvent{
			Source:     sourceName,
			Author:     author,
			Text:       msg.Message,
			ReceivedAt: time.Now(),
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	})

	// Unblock Connect when ctx is cancelled; connDone keeps the goroutine
	// from outliving a connection that failed on its own.
	connDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := client.Disconnect(); err != nil {
				slog.Debug("twitch mirror disconnect", slog.Any("err", err))
			}
		case <-connDone:
		}
	}()

	client.Join(s.channel)
	err := client.Connect()
	close(connDone)
	return err
}
