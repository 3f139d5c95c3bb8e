package models

import "time"

// SweepRun records the summary of one batch analyzer pass.
type SweepRun struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Trigger    string `gorm:"size:16;not null"` // "schedule" or "manual"
	Found      int
	Processed  int
	Skipped    int
	Errors     int
	Dispatched int
	DurationMs int64
	Error      string    `gorm:"type:text"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
}
