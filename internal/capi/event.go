// Package capi is the client for the advertising platform's server-side
// conversion API.
package capi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/zulandar/signalbox/internal/funnel"
)

// ActionSource tells the platform where the conversion happened.
const ActionSource = "chat"

// eventNamespace seeds the UUIDv5 event ids. Changing it changes every id,
// so bump the schema version instead.
var eventNamespace = uuid.MustParse("8f0c4a52-7d8e-4e0b-9a51-3c2f6f1d9b17")

// EventID returns the deterministic id for (conversation, level, schema
// version). The platform deduplicates on it.
func EventID(key string, level funnel.Level, schemaVersion int) string {
	name := fmt.Sprintf("%s|%d|v%d", key, int(level), schemaVersion)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// Event is one outbound conversion event.
type Event struct {
	EventName    string     `json:"event_name"`
	EventTime    int64      `json:"event_time"`
	EventID      string     `json:"event_id"`
	ActionSource string     `json:"action_source"`
	UserData     UserData   `json:"user_data"`
	CustomData   CustomData `json:"custom_data"`
}

// UserData holds SHA-256 hashed identity fields.
type UserData struct {
	Phone      []string `json:"ph,omitempty"`
	Email      []string `json:"em,omitempty"`
	ExternalID []string `json:"external_id,omitempty"`
}

// CustomData carries the funnel level and, for the top level, a value.
type CustomData struct {
	Value    float64 `json:"value,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Level    int     `json:"level"`
}

type payload struct {
	Data          []Event `json:"data"`
	TestEventCode string  `json:"test_event_code,omitempty"`
}

// Contact is the unhashed identity of the tracked contact.
type Contact struct {
	Phone      string
	Email      string
	ExternalID string
}

// NormalizePhone returns the number as E.164 digits without the leading
// plus. Numbers without a country code are parsed in region. Unparseable
// input falls back to its digits.
func NormalizePhone(raw, region string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if num, err := phonenumbers.Parse(raw, region); err == nil && phonenumbers.IsValidNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	}
	return digits(raw)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Hash returns the lowercase hex SHA-256 of s, or "" for empty input.
func Hash(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashed(s string) []string {
	if h := Hash(s); h != "" {
		return []string{h}
	}
	return nil
}

// userData hashes c. Emails are trimmed and lower-cased first.
func userData(c Contact, region string) UserData {
	return UserData{
		Phone:      hashed(NormalizePhone(c.Phone, region)),
		Email:      hashed(strings.ToLower(strings.TrimSpace(c.Email))),
		ExternalID: hashed(c.ExternalID),
	}
}
