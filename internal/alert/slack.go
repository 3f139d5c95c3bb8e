package alert

import (
	"context"
	"errors"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

const maxRetries = 3

// Slack posts to a Slack incoming webhook.
type Slack struct {
	url  string
	post func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error
}

// NewSlack returns a Slack channel for the webhook URL.
func NewSlack(url string) *Slack {
	return &Slack{url: url, post: slackapi.PostWebhookContext}
}

func (s *Slack) Name() string { return "slack" }

// Post sends msg as a single attachment.
func (s *Slack) Post(ctx context.Context, msg Message) error {
	att := slackapi.Attachment{
		Title:    msg.Title,
		Text:     msg.Body,
		Color:    msg.Color,
		Fallback: msg.Title,
	}
	for _, f := range msg.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	wm := &slackapi.WebhookMessage{Text: msg.Title, Attachments: []slackapi.Attachment{att}}

	return retrySlack(ctx, func() error { return s.post(ctx, s.url, wm) })
}

// retrySlack retries fn on Slack rate limit errors, honoring RetryAfter.
func retrySlack(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
