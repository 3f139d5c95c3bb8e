package dispatch

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// EventLog is the append-only audit trail of dispatch attempts.
type EventLog struct {
	db *gorm.DB
}

// NewEventLog returns an EventLog backed by db.
func NewEventLog(db *gorm.DB) *EventLog {
	return &EventLog{db: db}
}

// Record appends row. For error rows RetryCount is set to the number of
// earlier failures for the same conversation and level.
func (l *EventLog) Record(ctx context.Context, row *models.EventLog) error {
	if row.Status == StatusError {
		var prior int64
		if err := l.db.WithContext(ctx).Model(&models.EventLog{}).
			Where("conversation_key = ? AND level = ? AND status = ?", row.ConversationKey, row.Level, StatusError).
			Count(&prior).Error; err != nil {
			return fmt.Errorf("dispatch: count prior errors: %w", err)
		}
		row.RetryCount = int(prior)
	}
	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("dispatch: record event: %w", err)
	}
	return nil
}

// ListOpts filters List.
type ListOpts struct {
	ConversationKey string
	Status          string
	Level           funnel.Level // zero means every level
	Limit           int
}

// List returns log rows newest first.
func (l *EventLog) List(ctx context.Context, opts ListOpts) ([]models.EventLog, error) {
	q := l.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if opts.ConversationKey != "" {
		q = q.Where("conversation_key = ?", opts.ConversationKey)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Level != 0 {
		q = q.Where("level = ?", int(opts.Level))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var rows []models.EventLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("dispatch: list events: %w", err)
	}
	return rows, nil
}
