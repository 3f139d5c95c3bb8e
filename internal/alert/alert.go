// Package alert posts sweep summaries to operator chat channels through
// incoming webhooks.
package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/sweep"
	"go.uber.org/zap"
)

// Channel delivers a message to one destination.
type Channel interface {
	Name() string
	Post(ctx context.Context, msg Message) error
}

// Notifier fans a sweep summary out to every configured channel.
type Notifier struct {
	channels  []Channel
	notifyAll bool
	log       *zap.SugaredLogger
}

// NewNotifier builds a Notifier from the alert config. It returns nil when
// no channel is configured.
func NewNotifier(cfg config.AlertConfig, log *zap.SugaredLogger) (*Notifier, error) {
	var channels []Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.DiscordWebhookID != "" || cfg.DiscordWebhookToken != "" {
		d, err := NewDiscord(DiscordOpts{WebhookID: cfg.DiscordWebhookID, Token: cfg.DiscordWebhookToken})
		if err != nil {
			return nil, err
		}
		channels = append(channels, d)
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return New(channels, cfg.NotifyAll, log), nil
}

// New returns a Notifier over the given channels. Without notifyAll only
// summaries that report errors are posted.
func New(channels []Channel, notifyAll bool, log *zap.SugaredLogger) *Notifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Notifier{channels: channels, notifyAll: notifyAll, log: log}
}

// Notify implements sweep.Notifier. Every channel is attempted; failures are
// joined.
func (n *Notifier) Notify(ctx context.Context, sum sweep.Summary) error {
	if n == nil || (!n.notifyAll && sum.Errors == 0) {
		return nil
	}
	msg := FormatSummary(sum)

	var errs []error
	for _, ch := range n.channels {
		if err := ch.Post(ctx, msg); err != nil {
			n.log.Warnw("alert delivery failed", "channel", ch.Name(), "error", err)
			errs = append(errs, fmt.Errorf("alert: %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
