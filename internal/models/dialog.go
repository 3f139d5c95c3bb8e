package models

import "time"

// Dialog is the per-conversation funnel state: one row per (channel
// instance, contact) or per CRM entity. Rows are never hard-deleted.
type Dialog struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	ConversationKey string `gorm:"size:191;uniqueIndex;not null"`
	InstanceID      string `gorm:"size:64;index"`
	ContactID       string `gorm:"size:128"`
	ContactPhone    string `gorm:"size:32"`
	ContactEmail    string `gorm:"size:191"`
	DirectionID     *uint  `gorm:"index"`

	// Ad attribution. The dialog is ad-origin once AdAttributedAt is set;
	// each new ad click starts a new epoch.
	AdSourceID     string `gorm:"size:128"`
	AdAttributedAt *time.Time
	AdMessageCount int `gorm:"default:0"`
	Epoch          int `gorm:"default:0"`

	Level1Sent    bool       `gorm:"column:level1_sent;default:false;index"`
	Level1SentAt  *time.Time `gorm:"column:level1_sent_at"`
	Level1EventID string     `gorm:"column:level1_event_id;size:64"`
	Level2Sent    bool       `gorm:"column:level2_sent;default:false"`
	Level2SentAt  *time.Time `gorm:"column:level2_sent_at"`
	Level2EventID string     `gorm:"column:level2_event_id;size:64"`
	Level3Sent    bool       `gorm:"column:level3_sent;default:false"`
	Level3SentAt  *time.Time `gorm:"column:level3_sent_at"`
	Level3EventID string     `gorm:"column:level3_event_id;size:64"`

	LastActivityAt time.Time `gorm:"index"`

	CRMLeadID    string `gorm:"column:crm_lead_id;size:64"`
	CRMContactID string `gorm:"column:crm_contact_id;size:64"`
	CRMDealID    string `gorm:"column:crm_deal_id;size:64"`

	Ineligible       bool   `gorm:"default:false"`
	IneligibleReason string `gorm:"size:255"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Messages []DialogMessage `gorm:"foreignKey:DialogID"`
}

// LevelSent reports the sent flag for level 1..3.
func (d *Dialog) LevelSent(level int) bool {
	switch level {
	case 1:
		return d.Level1Sent
	case 2:
		return d.Level2Sent
	case 3:
		return d.Level3Sent
	}
	return false
}

// LevelEventID returns the delivered event id for level 1..3.
func (d *Dialog) LevelEventID(level int) string {
	switch level {
	case 1:
		return d.Level1EventID
	case 2:
		return d.Level2EventID
	case 3:
		return d.Level3EventID
	}
	return ""
}

// DialogMessage is one transcript line. The batch analyzer replays these
// to the AI classifier.
type DialogMessage struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	DialogID  uint      `gorm:"not null;index:idx_dialog_sent"`
	Role      string    `gorm:"size:16;not null"` // "user" or "agent"
	Text      string    `gorm:"type:text"`
	SentAt    time.Time `gorm:"index:idx_dialog_sent"`
	CreatedAt time.Time
}
