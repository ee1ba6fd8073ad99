package worker

import (
	"context"
	"errors"
	"time"

	"github.com/slack-go/slack"
)

// transientErrors are the platform error codes retried with exponential
// backoff, as opposed to failing permanently.
var transientErrors = map[string]struct{}{
	"ratelimited":    {},
	"rate_limited":   {},
	"internal_error": {},
	"unknown_error":  {},
}

// ParentMessage is the minimal shape the worker needs back from a
// single-message history lookup when synthesizing a thread parent.
type ParentMessage struct {
	Text string
	User string
	TS   string
}

// PlatformClient is everything the worker needs from one bot identity's
// chat-platform client. Abstracted behind an interface (rather than a
// bare *slack.Client) so the retry/rate-limit envelope and job handling
// can be exercised against a fake in tests.
type PlatformClient interface {
	PostMessage(ctx context.Context, channelID, text, threadTS string, attachments []map[string]any) (ts string, err error)
	UpdateMessage(ctx context.Context, channelID, ts, text string) error
	FetchParent(ctx context.Context, channelID, ts string) (ParentMessage, error)
}

// slackClient adapts *slack.Client to PlatformClient.
type slackClient struct {
	api *slack.Client
}

// NewSlackClient wraps a *slack.Client for use by the worker.
func NewSlackClient(api *slack.Client) PlatformClient {
	return &slackClient{api: api}
}

func (c *slackClient) PostMessage(ctx context.Context, channelID, text, threadTS string, attachments []map[string]any) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if len(attachments) > 0 {
		opts = append(opts, slack.MsgOptionAttachments(toSlackAttachments(attachments)...))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channelID, opts...)
	return ts, err
}

func (c *slackClient) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channelID, ts, slack.MsgOptionText(text, false))
	return err
}

func (c *slackClient) FetchParent(ctx context.Context, channelID, ts string) (ParentMessage, error) {
	resp, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Latest:    ts,
		Limit:     1,
		Inclusive: true,
	})
	if err != nil {
		return ParentMessage{}, err
	}
	if len(resp.Messages) == 0 {
		return ParentMessage{}, errors.New("worker: no history messages returned for parent lookup")
	}
	msg := resp.Messages[0]
	return ParentMessage{Text: msg.Text, User: msg.User, TS: msg.Timestamp}, nil
}

func toSlackAttachments(in []map[string]any) []slack.Attachment {
	out := make([]slack.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, slack.Attachment{
			Fallback:  stringField(a, "fallback"),
			Title:     stringField(a, "title"),
			TitleLink: stringField(a, "title_link"),
			Text:      stringField(a, "text"),
			ImageURL:  stringField(a, "image_url"),
		})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// retryAfter extracts the Retry-After duration from a Slack rate-limit
// error: if the response carries one, sleep exactly that long and retry.
func retryAfter(err error) (time.Duration, bool) {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// isTransientPlatformError reports whether err's platform error code is
// one of transientErrors.
func isTransientPlatformError(err error) bool {
	var sre *slack.SlackErrorResponse
	if errors.As(err, &sre) {
		_, ok := transientErrors[sre.Err]
		return ok
	}
	_, ok := transientErrors[err.Error()]
	return ok
}
