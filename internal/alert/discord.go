package alert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// webhookSession is the part of *discordgo.Session used to execute webhooks.
type webhookSession interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOpts configures a Discord channel.
type DiscordOpts struct {
	WebhookID string
	Token     string
	Username  string
	// For testing: inject a session instead of the Discord REST API.
	Session webhookSession
}

// Discord posts embeds through a Discord webhook.
type Discord struct {
	sess        webhookSession
	webhookID   string
	token       string
	username    string
	baseBackoff time.Duration
}

// NewDiscord returns a Discord channel.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.WebhookID == "" || opts.Token == "" {
		return nil, fmt.Errorf("alert: discord webhook id and token are required")
	}
	if opts.Username == "" {
		opts.Username = "signalbox"
	}
	sess := opts.Session
	if sess == nil {
		// Webhook execution authenticates with the token in the URL, so
		// the session carries no bot token.
		dg, err := discordgo.New("")
		if err != nil {
			return nil, fmt.Errorf("alert: discord session: %w", err)
		}
		sess = dg
	}
	return &Discord{
		sess:        sess,
		webhookID:   opts.WebhookID,
		token:       opts.Token,
		username:    opts.Username,
		baseBackoff: 2 * time.Second,
	}, nil
}

func (d *Discord) Name() string { return "discord" }

// Post sends msg as one embed.
func (d *Discord) Post(ctx context.Context, msg Message) error {
	embed := &discordgo.MessageEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       parseHexColor(msg.Color),
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	params := &discordgo.WebhookParams{
		Username: d.username,
		Embeds:   []*discordgo.MessageEmbed{embed},
	}

	for attempt := 0; ; attempt++ {
		_, err := d.sess.WebhookExecute(d.webhookID, d.token, false, params, discordgo.WithContext(ctx))
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * d.baseBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
