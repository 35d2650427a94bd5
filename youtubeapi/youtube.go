// Package youtubeapi implements the YouTube live chat source. It resolves the
// active live chat for a configured video or channel, then long-polls the
// liveChat/messages endpoint with the cursor and interval the API hands back,
// emitting each message as a relay event.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/telemetry"
)

const sourceName = "youtube"

// maxPollResults is the page size requested per poll.
const maxPollResults = 2000

// Backoff schedule: slow retries while waiting for a stream to exist, shorter
// ones for transient poll failures.
const (
	resolveRetryDelay   = 30 * time.Second
	httpErrorDelay      = 10 * time.Second
	transportErrorDelay = 5 * time.Second
)

// Config selects which live chat to follow. A concrete LiveChatID wins;
// "AUTO" or empty resolves one, preferring VideoID over channel lookup.
type Config struct {
	APIKey        string
	LiveChatID    string
	ChannelID     string
	ChannelHandle string
	VideoID       string

	// PollFloor is the minimum delay between polls regardless of the
	// interval the API suggests.
	PollFloor time.Duration

	// Options are appended to the API client options. Tests use them to
	// point the client at a fake endpoint.
	Options []option.ClientOption
}

// Source is a relay.Source backed by the YouTube Data API.
type Source struct {
	cfg Config
	svc *yt.Service
}

// New validates the config and builds the API client. It fails when no chat
// target is configured at all; everything runtime-dependent (stream not live
// yet, chat rotated) is handled inside Run.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("youtube: api key required")
	}
	if cfg.PollFloor <= 0 {
		cfg.PollFloor = 3 * time.Second
	}
	if autoResolve(cfg.LiveChatID) && cfg.VideoID == "" && cfg.ChannelID == "" && trimHandle(cfg.ChannelHandle) == "" {
		return nil, errors.New("youtube: set YOUTUBE_LIVE_CHAT_ID, YOUTUBE_VIDEO_ID, YOUTUBE_CHANNEL_ID, or YOUTUBE_CHANNEL_HANDLE")
	}

	opts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, cfg.Options...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Source{cfg: cfg, svc: svc}, nil
}

func (s *Source) Name() string { return sourceName }

// Run polls the live chat until ctx is cancelled. When the chat disappears
// (stream ended, new stream started) it re-resolves and starts over with a
// fresh cursor.
func (s *Source) Run(ctx context.Context, out chan<- relay.ChatEvent) {
	chatID := s.cfg.LiveChatID
	if autoResolve(chatID) {
		chatID = s.resolveUntilLive(ctx)
		if chatID == "" {
			return
		}
	}

	pageToken := ""
	for ctx.Err() == nil {
		resp, err := s.poll(ctx, chatID, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var gerr *googleapi.Error
			switch {
			case errors.As(err, &gerr) && (gerr.Code == http.StatusForbidden || gerr.Code == http.StatusNotFound):
				slog.Info("youtube live chat gone, re-resolving", slog.Int("status", gerr.Code))
				chatID = s.resolveUntilLive(ctx)
				if chatID == "" {
					return
				}
				pageToken = ""
			case errors.As(err, &gerr):
				slog.Warn("youtube poll failed",
					slog.Int("status", gerr.Code),
					slog.Any("err", err))
				if !sleep(ctx, httpErrorDelay) {
					return
				}
			default:
				slog.Warn("youtube poll failed", slog.Any("err", err))
				if !sleep(ctx, transportErrorDelay) {
					return
				}
			}
			continue
		}

		for _, item := range resp.Items {
			if item.Snippet == nil || item.Snippet.DisplayMessage == "" {
				continue
			}
			author := "?"
			if item.AuthorDetails != nil && item.AuthorDetails.DisplayName != "" {
				author = item.AuthorDetails.DisplayName
			}
			ev := relay.ChatEvent{
				Source:     sourceName,
				Author:     author,
				Text:       html.UnescapeString(item.Snippet.DisplayMessage),
				ReceivedAt: time.Now(),
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		pageToken = resp.NextPageToken
		delay := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		if delay < s.cfg.PollFloor {
			delay = s.cfg.PollFloor
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (s *Source) poll(ctx context.Context, chatID, pageToken string) (*yt.LiveChatMessageListResponse, error) {
	call := s.svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).
		MaxResults(maxPollResults).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	var resp *yt.LiveChatMessageListResponse
	var err error
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		resp, err = call.Do()
	})
	return resp, err
}

// resolveUntilLive retries resolution every resolveRetryDelay until a chat ID
// turns up or ctx is cancelled. Returns "" only on cancellation.
func (s *Source) resolveUntilLive(ctx context.Context) string {
	waiting := false
	for {
		chatID, err := s.resolveOnce(ctx)
		if err == nil {
			slog.Info("youtube live chat resolved", slog.String("live_chat_id", chatID))
			return chatID
		}
		if ctx.Err() != nil {
			return ""
		}
		if !waiting {
			slog.Info("waiting for youtube stream to go live", slog.Any("err", err))
			waiting = true
		}
		if !sleep(ctx, resolveRetryDelay) {
			return ""
		}
	}
}

func (s *Source) resolveOnce(ctx context.Context) (string, error) {
	if s.cfg.VideoID != "" {
		return s.chatIDFromVideo(ctx, s.cfg.VideoID)
	}

	channelID, err := s.channelID(ctx)
	if err != nil {
		return "", err
	}
	search, err := s.svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("search live video: %w", err)
	}
	if len(search.Items) == 0 || search.Items[0].Id == nil || search.Items[0].Id.VideoId == "" {
		return "", errors.New("no public live stream right now")
	}
	return s.chatIDFromVideo(ctx, search.Items[0].Id.VideoId)
}

func (s *Source) chatIDFromVideo(ctx context.Context, videoID string) (string, error) {
	resp, err := s.svc.Videos.List([]string{"liveStreamingDetails"}).
		Id(videoID).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("video details: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("video %s not found", videoID)
	}
	details := resp.Items[0].LiveStreamingDetails
	if details == nil || details.ActiveLiveChatId == "" {
		return "", errors.New("no active live chat yet")
	}
	return details.ActiveLiveChatId, nil
}

// channelID returns the configured channel ID, resolving the handle through
// search when only a handle is set.
func (s *Source) channelID(ctx context.Context) (string, error) {
	if s.cfg.ChannelID != "" {
		return s.cfg.ChannelID, nil
	}
	handle := trimHandle(s.cfg.ChannelHandle)
	resp, err := s.svc.Search.List([]string{"id"}).
		Q(handle).
		Type("channel").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("search channel: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil || resp.Items[0].Id.ChannelId == "" {
		return "", fmt.Errorf("no channel found for handle %q", handle)
	}
	return resp.Items[0].Id.ChannelId, nil
}

func autoResolve(liveChatID string) bool {
	v := strings.TrimSpace(liveChatID)
	return v == "" || strings.EqualFold(v, "AUTO")
}

func trimHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
