package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// SlackClient is a thin wrapper around the slack-go SDK.
type SlackClient struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewSlackClient creates a Slack API client.
func NewSlackClient(token, channelID string) *SlackClient {
	return &SlackClient{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// NewSlackClientWithAPIURL creates a Slack API client that targets a custom
// API URL. Useful for testing with a mock server.
func NewSlackClientWithAPIURL(token, channelID, apiURL string) *SlackClient {
	return &SlackClient{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// PostMessage sends a Block Kit message to the configured channel.
func (c *SlackClient) PostMessage(ctx context.Context, blocks []goslack.Block, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
