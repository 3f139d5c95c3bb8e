package models

import "time"

// Direction is one marketing direction's funnel settings. Trigger lists are
// JSON arrays of trigger descriptors, see the direction package.
type Direction struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	Name           string  `gorm:"size:128;uniqueIndex;not null"`
	Enabled        bool    `gorm:"not null"`
	Source         string  `gorm:"size:16;not null"` // "channel" or "crm"
	CRMKind        string  `gorm:"column:crm_kind;size:32"`
	RequireLevel1  bool    `gorm:"column:require_level1"`
	Level1Triggers string  `gorm:"column:level1_triggers;type:text"`
	Level2Triggers string  `gorm:"column:level2_triggers;type:text"`
	Level3Triggers string  `gorm:"column:level3_triggers;type:text"`
	Value          float64 `gorm:"default:0"`
	Currency       string  `gorm:"size:3"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
