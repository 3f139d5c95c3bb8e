// Package dialog is the per-conversation funnel state store. Every mutation
// is a single conditional UPDATE or runs inside a transaction, so concurrent
// webhook and sweep paths serialize per conversation key.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no dialog exists for a key.
var ErrNotFound = errors.New("dialog: not found")

// Identity is the contact information attached to a dialog on creation.
// Empty fields never overwrite stored values.
type Identity struct {
	InstanceID string
	ContactID  string
	Phone      string
	Email      string
}

// CRMLink holds CRM entity ids linked to a dialog.
type CRMLink struct {
	LeadID    string
	ContactID string
	DealID    string
}

// EligibleQuery selects dialogs for the batch analyzer.
type EligibleQuery struct {
	Since time.Time
	Limit int
}

// Store reads and mutates Dialog rows.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate returns the dialog for key, inserting it if absent. Identity
// fields that are set are written to the row either way.
func (s *Store) GetOrCreate(ctx context.Context, key string, id Identity) (*models.Dialog, error) {
	if key == "" {
		return nil, fmt.Errorf("dialog: key is required")
	}

	now := time.Now().UTC()
	row := models.Dialog{
		ConversationKey: key,
		InstanceID:      id.InstanceID,
		ContactID:       id.ContactID,
		ContactPhone:    id.Phone,
		ContactEmail:    id.Email,
		LastActivityAt:  now,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "conversation_key"}}, DoNothing: true}).
		Create(&row).Error; err != nil {
		return nil, fmt.Errorf("dialog: create %s: %w", key, err)
	}

	updates := map[string]interface{}{}
	if id.Phone != "" {
		updates["contact_phone"] = id.Phone
	}
	if id.Email != "" {
		updates["contact_email"] = id.Email
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&models.Dialog{}).
			Where("conversation_key = ?", key).
			Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("dialog: update identity %s: %w", key, err)
		}
	}

	return s.Get(ctx, key)
}

// Get loads the dialog for key.
func (s *Store) Get(ctx context.Context, key string) (*models.Dialog, error) {
	var d models.Dialog
	err := s.db.WithContext(ctx).Where("conversation_key = ?", key).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dialog: get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dialog: get %s: %w", key, err)
	}
	return &d, nil
}

// ApplyAdClick attributes the dialog to an ad click: the message counter and
// the level-1 triple are reset and a new epoch begins. Level 2 and 3 flags
// are left alone.
func (s *Store) ApplyAdClick(ctx context.Context, key, adSourceID string, at time.Time) error {
	at = at.UTC()
	result := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("conversation_key = ?", key).
		Updates(map[string]interface{}{
			"ad_source_id":     adSourceID,
			"ad_attributed_at": at,
			"ad_message_count": 0,
			"epoch":            gorm.Expr("epoch + 1"),
			"level1_sent":      false,
			"level1_sent_at":   nil,
			"level1_event_id":  "",
			"last_activity_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("dialog: apply ad click %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dialog: apply ad click %s: %w", key, ErrNotFound)
	}
	return nil
}

// MarkAdOrigin records ad attribution learned from outside the message
// stream and starts a new epoch. Unlike ApplyAdClick it is a no-op when the
// dialog is already attributed, so it never re-arms level 1.
func (s *Store) MarkAdOrigin(ctx context.Context, key, adSourceID string, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("conversation_key = ? AND ad_attributed_at IS NULL", key).
		Updates(map[string]interface{}{
			"ad_source_id":     adSourceID,
			"ad_attributed_at": at.UTC(),
			"epoch":            gorm.Expr("epoch + 1"),
		}).Error; err != nil {
		return fmt.Errorf("dialog: mark ad origin %s: %w", key, err)
	}
	return nil
}

// IncrementIfAdOrigin counts one inbound message toward level 1 when the
// dialog is ad-attributed and returns the new count. For other dialogs it
// only records activity and returns (0, false).
func (s *Store) IncrementIfAdOrigin(ctx context.Context, key string, at time.Time) (int, bool, error) {
	at = at.UTC()
	var (
		count    int
		adOrigin bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Dialog{}).
			Where("conversation_key = ? AND ad_attributed_at IS NOT NULL", key).
			Updates(map[string]interface{}{
				"ad_message_count": gorm.Expr("ad_message_count + 1"),
				"last_activity_at": at,
			})
		if result.Error != nil {
			return fmt.Errorf("increment: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			touched := tx.Model(&models.Dialog{}).
				Where("conversation_key = ?", key).
				Update("last_activity_at", at)
			if touched.Error != nil {
				return fmt.Errorf("touch: %w", touched.Error)
			}
			if touched.RowsAffected == 0 {
				return ErrNotFound
			}
			return nil
		}

		var d models.Dialog
		if err := tx.Select("ad_message_count").Where("conversation_key = ?", key).First(&d).Error; err != nil {
			return fmt.Errorf("read count: %w", err)
		}
		count = d.AdMessageCount
		adOrigin = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("dialog: increment %s: %w", key, err)
	}
	return count, adOrigin, nil
}

// MarkSent claims level for the dialog by flipping its sent flag from false
// to true and returns the epoch the claim was made in. It succeeds only for
// the caller that performed the flip. funnel.ErrAlreadySent means someone
// else claimed it first; funnel.ErrLevel1Required means requireLevel1 was
// set and level 1 has not been sent.
func (s *Store) MarkSent(ctx context.Context, key string, level funnel.Level, eventID string, at time.Time, requireLevel1 bool) (int, error) {
	if !level.Valid() {
		return 0, fmt.Errorf("dialog: mark sent: invalid level %d", level)
	}
	if eventID == "" {
		return 0, fmt.Errorf("dialog: mark sent: eventID is required")
	}

	gated := requireLevel1 && level != funnel.LevelInterest
	sent, sentAt, evt := levelColumns(level)
	var epoch int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Dialog{}).
			Where("conversation_key = ?", key).
			Where(sent+" = ?", false)
		if gated {
			q = q.Where("level1_sent = ?", true)
		}
		result := q.Updates(map[string]interface{}{
			sent:   true,
			sentAt: at.UTC(),
			evt:    eventID,
		})
		if result.Error != nil {
			return result.Error
		}

		// The row stays locked until commit, so no ad click can move the
		// epoch between the flip and this read.
		var d models.Dialog
		if err := tx.Select("epoch", sent).Where("conversation_key = ?", key).First(&d).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if result.RowsAffected == 1 {
			epoch = d.Epoch
			return nil
		}
		return claimMissed(gated, d.LevelSent(int(level)))
	})
	switch {
	case err == nil:
		return epoch, nil
	case errors.Is(err, funnel.ErrAlreadySent), errors.Is(err, funnel.ErrLevel1Required):
		return 0, err
	default:
		return 0, fmt.Errorf("dialog: mark sent %s %s: %w", key, level, err)
	}
}

// claimMissed explains a claim that flipped nothing. Only a gated claim on an
// unsent level was refused for level 1; anything else lost to another
// claimer, including one whose claim was reverted since.
func claimMissed(gated, levelSent bool) error {
	if gated && !levelSent {
		return funnel.ErrLevel1Required
	}
	return funnel.ErrAlreadySent
}

// RevertSent clears the sent flag for level, but only while it still carries
// eventID. Level 1 is also bound to the epoch of its claim: after an ad click
// re-arms it, a revert from the earlier epoch leaves the new claim alone. It
// reports whether a row was reverted.
func (s *Store) RevertSent(ctx context.Context, key string, level funnel.Level, eventID string, epoch int) (bool, error) {
	if !level.Valid() {
		return false, fmt.Errorf("dialog: revert sent: invalid level %d", level)
	}
	sent, sentAt, evt := levelColumns(level)
	q := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("conversation_key = ?", key).
		Where(sent+" = ? AND "+evt+" = ?", true, eventID)
	if level == funnel.LevelInterest {
		q = q.Where("epoch = ?", epoch)
	}
	result := q.Updates(map[string]interface{}{
		sent:   false,
		sentAt: nil,
		evt:    "",
	})
	if result.Error != nil {
		return false, fmt.Errorf("dialog: revert sent %s %s: %w", key, level, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Touch records activity on the dialog.
func (s *Store) Touch(ctx context.Context, key string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("conversation_key = ?", key).
		Update("last_activity_at", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("dialog: touch %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dialog: touch %s: %w", key, ErrNotFound)
	}
	return nil
}

// AppendMessage adds a transcript line to the dialog.
func (s *Store) AppendMessage(ctx context.Context, dialogID uint, role, text string, at time.Time) error {
	if role != "user" && role != "agent" {
		return fmt.Errorf("dialog: append message: role %q must be user or agent", role)
	}
	msg := models.DialogMessage{
		DialogID: dialogID,
		Role:     role,
		Text:     text,
		SentAt:   at.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("dialog: append message to %d: %w", dialogID, err)
	}
	return nil
}

// Transcript returns the dialog's messages in chronological order. When
// limit is positive only the most recent limit messages are returned.
func (s *Store) Transcript(ctx context.Context, dialogID uint, limit int) ([]models.DialogMessage, error) {
	var msgs []models.DialogMessage
	q := s.db.WithContext(ctx).Where("dialog_id = ?", dialogID).Order("sent_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("dialog: transcript %d: %w", dialogID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LinkDirection attaches the dialog to a direction.
func (s *Store) LinkDirection(ctx context.Context, key string, directionID uint) error {
	result := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("conversation_key = ?", key).
		Update("direction_id", directionID)
	if result.Error != nil {
		return fmt.Errorf("dialog: link direction %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dialog: link direction %s: %w", key, ErrNotFound)
	}
	return nil
}

// LinkCRM stores the CRM entity ids that are set in link.
func (s *Store) LinkCRM(ctx context.Context, key string, link CRMLink) error {
	updates := map[string]interface{}{}
	if link.LeadID != "" {
		updates["crm_lead_id"] = link.LeadID
	}
	if link.ContactID != "" {
		updates["crm_contact_id"] = link.ContactID
	}
	if link.DealID != "" {
		updates["crm_deal_id"] = link.DealID
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("conversation_key = ?", key).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("dialog: link crm %s: %w", key, err)
	}
	return nil
}

// MarkIneligible excludes the dialog from future sweeps.
func (s *Store) MarkIneligible(ctx context.Context, key, reason string) error {
	if err := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("conversation_key = ?", key).
		Updates(map[string]interface{}{
			"ineligible":        true,
			"ineligible_reason": reason,
		}).Error; err != nil {
		return fmt.Errorf("dialog: mark ineligible %s: %w", key, err)
	}
	return nil
}

// Eligible returns dialogs the batch analyzer should classify: level 1 sent,
// level 2 or 3 still open, active since q.Since, not marked ineligible, and
// linked to an enabled channel direction. Oldest activity first.
func (s *Store) Eligible(ctx context.Context, q EligibleQuery) ([]models.Dialog, error) {
	var out []models.Dialog
	tx := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Select("dialogs.*").
		Joins("JOIN directions ON directions.id = dialogs.direction_id").
		Where("dialogs.level1_sent = ?", true).
		Where("(dialogs.level2_sent = ? OR dialogs.level3_sent = ?)", false, false).
		Where("dialogs.last_activity_at >= ?", q.Since.UTC()).
		Where("dialogs.ineligible = ?", false).
		Where("directions.enabled = ? AND directions.source = ?", true, string(funnel.SourceChannel)).
		Order("dialogs.last_activity_at ASC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("dialog: eligible: %w", err)
	}
	return out, nil
}

func levelColumns(level funnel.Level) (sent, sentAt, eventID string) {
	n := int(level)
	return fmt.Sprintf("level%d_sent", n), fmt.Sprintf("level%d_sent_at", n), fmt.Sprintf("level%d_event_id", n)
}
