package db

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Dialog{},
		&models.DialogMessage{},
		&models.Direction{},
		&models.EventLog{},
		&models.SweepRun{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedDirections upserts Direction rows from configuration, keyed by name.
func SeedDirections(db *gorm.DB, dirs []config.DirectionConfig) error {
	for _, dc := range dirs {
		var triggers [3]string
		for i, list := range [][]config.TriggerConfig{dc.Levels.Level1, dc.Levels.Level2, dc.Levels.Level3} {
			raw, err := marshalJSON(list)
			if err != nil {
				return fmt.Errorf("db: marshal level%d triggers for direction %q: %w", i+1, dc.Name, err)
			}
			triggers[i] = raw
		}

		dir := models.Direction{
			Name:           dc.Name,
			Enabled:        dc.IsEnabled(),
			Source:         dc.Source,
			CRMKind:        dc.CRMKind,
			RequireLevel1:  dc.RequireLevel1,
			Level1Triggers: triggers[0],
			Level2Triggers: triggers[1],
			Level3Triggers: triggers[2],
			Value:          dc.Value,
			Currency:       dc.Currency,
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enabled", "source", "crm_kind", "require_level1",
				"level1_triggers", "level2_triggers", "level3_triggers",
				"value", "currency", "updated_at",
			}),
		}).Create(&dir)
		if result.Error != nil {
			return fmt.Errorf("db: seed direction %q: %w", dc.Name, result.Error)
		}
	}
	return nil
}

// marshalJSON marshals a trigger list, returning "[]" for an empty list.
func marshalJSON(list []config.TriggerConfig) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
