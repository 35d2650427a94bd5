// Package twitchapi contains minimal helpers for the Twitch endpoints the relay
// needs: the OAuth user-token lifecycle and the Helix chat message send.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// TokenProvider supplies a valid user access token immediately before each
// call, so a mid-run refresh is picked up transparently.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// HelixClient posts relayed messages into the destination Twitch chat.
type HelixClient struct {
	Tokens     TokenProvider
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// SendChatMessage posts one message to the broadcaster's chat as the sender
// user. Twitch answers 200 or 204 on success; anything else is a failed send.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error {
	tok, err := hc.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get user token: %w", err)
	}

	payload := struct {
		BroadcasterID string `json:"broadcaster_id"`
		SenderID      string `json:"sender_id"`
		Message       string `json:"message"`
	}{broadcasterID, senderID, text}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.twitch.tv/helix/chat/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.http().Do(req)
	if err != nil {
		return fmt.Errorf("post chat message: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helix send failed: %s: %s", resp.Status, string(b))
	}
	return nil
}
