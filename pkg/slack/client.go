// Package slack implements the notify_user_slack side channel: resolving a
// user by email and posting a direct message through a Slack bot token.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// Client is a thin wrapper around the slack-go SDK, scoped to the single
// operation Darwin Brain needs: DM a user identified by email.
type Client struct {
	api     *goslack.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a Slack API client authenticated with token.
func NewClient(token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		api:     goslack.New(token),
		timeout: timeout,
		logger:  slog.Default().With("component", "slack-client"),
	}
}

// NewClientWithAPIURL targets a custom API URL, for tests against a mock server.
func NewClientWithAPIURL(token, apiURL string, timeout time.Duration) *Client {
	c := NewClient(token, timeout)
	c.api = goslack.New(token, goslack.OptionAPIURL(apiURL))
	return c
}

// NotifySlack implements processor.Notifier: it resolves email to a Slack
// user, opens (or reuses) a DM channel, and posts message as a single
// section block.
func (c *Client) NotifySlack(ctx context.Context, email, message string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user, err := c.api.GetUserByEmailContext(ctx, email)
	if err != nil {
		return fmt.Errorf("users.lookupByEmail failed for %q: %w", email, err)
	}

	channel, _, _, err := c.api.OpenConversationContext(ctx, &goslack.OpenConversationParameters{
		Users: []string{user.ID},
	})
	if err != nil {
		return fmt.Errorf("conversations.open failed for user %q: %w", user.ID, err)
	}

	block := goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(message), false, false), nil, nil)
	_, _, err = c.api.PostMessageContext(ctx, channel.ID, goslack.MsgOptionBlocks(block))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed for channel %q: %w", channel.ID, err)
	}

	c.logger.Info("slack: notified user", "email", email, "channel", channel.ID)
	return nil
}

const maxBlockTextLength = 2900

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "…"
}
