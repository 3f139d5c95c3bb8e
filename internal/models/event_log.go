package models

import "time"

// EventLog is the append-only audit trail of dispatch attempts.
type EventLog struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	ConversationKey string `gorm:"size:191;not null;index:idx_event_key_level"`
	Level           int    `gorm:"not null;index:idx_event_key_level"`
	EventID         string `gorm:"size:64;index"`
	EventName       string `gorm:"size:32"`
	Status          string `gorm:"size:16;not null;index"` // success, error, skipped
	Source          string `gorm:"size:16"`                // counter, ai_verdict, crm_rule
	Epoch           int
	Response        string `gorm:"type:text"`
	RetryCount      int    `gorm:"default:0"`
	CreatedAt       time.Time
}
