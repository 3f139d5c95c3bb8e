// Package direction resolves per-direction funnel settings and evaluates the
// CRM field and stage triggers configured for each level.
package direction

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// Settings is a resolved, validated direction.
type Settings struct {
	ID            uint
	Name          string
	Source        funnel.Source
	CRMKind       string
	RequireLevel1 bool
	Value         float64
	Currency      string

	triggers [3][]Trigger
}

// Triggers returns the trigger list for level.
func (s *Settings) Triggers(level funnel.Level) []Trigger {
	if !level.Valid() {
		return nil
	}
	return s.triggers[level-1]
}

// GatesOnLevel1 reports whether levels 2 and 3 may only be sent after level
// 1. Channel directions always gate; CRM directions opt in.
func (s *Settings) GatesOnLevel1() bool {
	return s.Source == funnel.SourceChannel || s.RequireLevel1
}

// HasTriggers reports whether any level has at least one trigger.
func (s *Settings) HasTriggers() bool {
	for _, list := range s.triggers {
		if len(list) > 0 {
			return true
		}
	}
	return false
}

// Resolver loads direction settings from the directions table.
type Resolver struct {
	db *gorm.DB
}

// NewResolver returns a Resolver backed by db.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve loads and validates the direction. Missing, disabled or
// unparseable directions yield a *funnel.ConfigurationError.
func (r *Resolver) Resolve(ctx context.Context, id uint) (*Settings, error) {
	var row models.Direction
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &funnel.ConfigurationError{DirectionID: id, Reason: funnel.ReasonDirectionNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("direction: load %d: %w", id, err)
	}
	if !row.Enabled {
		return nil, &funnel.ConfigurationError{DirectionID: id, Reason: funnel.ReasonDirectionDisabled}
	}
	return settingsFromRow(row)
}

// ResolveFor resolves the direction and checks that its source is source.
func (r *Resolver) ResolveFor(ctx context.Context, id uint, source funnel.Source) (*Settings, error) {
	s, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Source != source {
		return nil, &funnel.ConfigurationError{
			DirectionID: id,
			Reason:      funnel.ReasonSourceMismatch,
			Detail:      fmt.Sprintf("direction source is %s, event source is %s", s.Source, source),
		}
	}
	return s, nil
}

func settingsFromRow(row models.Direction) (*Settings, error) {
	s := &Settings{
		ID:            row.ID,
		Name:          row.Name,
		Source:        funnel.Source(row.Source),
		CRMKind:       row.CRMKind,
		RequireLevel1: row.RequireLevel1,
		Value:         row.Value,
		Currency:      row.Currency,
	}
	if s.Source != funnel.SourceChannel && s.Source != funnel.SourceCRM {
		return nil, &funnel.ConfigurationError{
			DirectionID: row.ID,
			Reason:      funnel.ReasonSourceMismatch,
			Detail:      fmt.Sprintf("unknown source %q", row.Source),
		}
	}
	for i, raw := range []string{row.Level1Triggers, row.Level2Triggers, row.Level3Triggers} {
		list, err := ParseTriggers(raw)
		if err != nil {
			return nil, &funnel.ConfigurationError{
				DirectionID: row.ID,
				Reason:      funnel.ReasonBadTriggers,
				Detail:      fmt.Sprintf("level%d: %v", i+1, err),
			}
		}
		s.triggers[i] = list
	}
	return s, nil
}
