package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/funnel"
	"golang.org/x/oauth2"
)

// maxBodySummary bounds the response text kept for the event log.
const maxBodySummary = 512

// Client submits events for one pixel.
type Client struct {
	http            *http.Client
	endpoint        string
	testEventCode   string
	timeout         time.Duration
	defaultValue    float64
	defaultCurrency string
	phoneRegion     string
}

// NewClient builds a client from cfg. The access token is sent as a bearer
// token on every request.
func NewClient(cfg config.CAPIConfig) (*Client, error) {
	if cfg.PixelID == "" {
		return nil, fmt.Errorf("capi: pixel_id is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("capi: access_token is required")
	}
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.AccessToken,
		TokenType:   "Bearer",
	}))
	return &Client{
		http:            httpClient,
		endpoint:        strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.PixelID + "/events",
		testEventCode:   cfg.TestEventCode,
		timeout:         cfg.Timeout,
		defaultValue:    cfg.DefaultValue,
		defaultCurrency: cfg.DefaultCurrency,
		phoneRegion:     cfg.PhoneRegion,
	}, nil
}

// NewEvent builds the event for level. Value and currency are attached to
// the top level only, falling back to the configured defaults when unset.
func (c *Client) NewEvent(level funnel.Level, eventID string, at time.Time, contact Contact, value float64, currency string) Event {
	ev := Event{
		EventName:    level.EventName(),
		EventTime:    at.Unix(),
		EventID:      eventID,
		ActionSource: ActionSource,
		UserData:     userData(contact, c.phoneRegion),
		CustomData:   CustomData{Level: int(level)},
	}
	if level == funnel.LevelScheduled {
		if value <= 0 {
			value = c.defaultValue
		}
		if currency == "" {
			currency = c.defaultCurrency
		}
		ev.CustomData.Value = value
		ev.CustomData.Currency = strings.ToUpper(currency)
	}
	return ev
}

// Response summarizes an accepted submission.
type Response struct {
	StatusCode int
	Body       string
}

// Send submits ev. Any transport failure or non-2xx status is returned as a
// *funnel.DeliveryError.
func (c *Client) Send(ctx context.Context, ev Event) (*Response, error) {
	body, err := json.Marshal(payload{Data: []Event{ev}, TestEventCode: c.testEventCode})
	if err != nil {
		return nil, fmt.Errorf("capi: marshal event: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("capi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &funnel.DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySummary))
	summary := strings.TrimSpace(string(raw))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &funnel.DeliveryError{StatusCode: resp.StatusCode, Body: summary}
	}
	return &Response{StatusCode: resp.StatusCode, Body: summary}, nil
}
