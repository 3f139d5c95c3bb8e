package direction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MatchType is the kind of trigger that matched.
type MatchType string

const (
	MatchField MatchType = "field"
	MatchStage MatchType = "stage"
	MatchNone  MatchType = "none"
)

// Per-trigger reason codes reported in diagnostics.
const (
	ReasonFieldMatch         = "field_match"
	ReasonStageMatch         = "stage_match"
	ReasonEntityTypeMismatch = "entity_type_mismatch"
	ReasonFieldAbsent        = "field_absent"
	ReasonValueMismatch      = "value_mismatch"
	ReasonPipelineMismatch   = "pipeline_mismatch"
	ReasonStageMismatch      = "stage_mismatch"
)

// Descriptor is the stored JSON form of a trigger.
type Descriptor struct {
	Type       string `json:"type" validate:"required,oneof=field stage"`
	FieldID    string `json:"field_id,omitempty" validate:"required_if=Type field"`
	Value      string `json:"value,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	PipelineID string `json:"pipeline_id,omitempty"`
	StageID    string `json:"stage_id,omitempty" validate:"required_if=Type stage"`
}

var validate = validator.New()

// Snapshot is the current state of one CRM entity as seen by a webhook.
// Fields maps a field id to its values; single-valued fields hold one entry.
type Snapshot struct {
	EntityType string
	Fields     map[string][]string
	PipelineID string
	StageID    string
}

// Trigger is one OR-combined condition of a direction level.
type Trigger interface {
	Type() MatchType
	Matches(snap Snapshot) (bool, string)
}

// FieldTrigger matches when a CRM field holds a configured value. Without a
// configured value any non-empty value matches.
type FieldTrigger struct {
	FieldID    string
	Value      string
	EntityType string
}

func (FieldTrigger) Type() MatchType { return MatchField }

func (t FieldTrigger) Matches(snap Snapshot) (bool, string) {
	if !entityMatches(t.EntityType, snap.EntityType) {
		return false, ReasonEntityTypeMismatch
	}
	values := nonEmpty(snap.Fields[t.FieldID])
	if len(values) == 0 {
		return false, ReasonFieldAbsent
	}
	if t.Value == "" {
		return true, ReasonFieldMatch
	}
	want := normalize(t.Value)
	for _, v := range values {
		if normalize(v) == want {
			return true, ReasonFieldMatch
		}
	}
	return false, ReasonValueMismatch
}

// StageTrigger matches when the entity sits in a given pipeline stage. An
// empty PipelineID matches the stage in any pipeline.
type StageTrigger struct {
	EntityType string
	PipelineID string
	StageID    string
}

func (StageTrigger) Type() MatchType { return MatchStage }

func (t StageTrigger) Matches(snap Snapshot) (bool, string) {
	if !entityMatches(t.EntityType, snap.EntityType) {
		return false, ReasonEntityTypeMismatch
	}
	if t.PipelineID != "" && t.PipelineID != snap.PipelineID {
		return false, ReasonPipelineMismatch
	}
	if t.StageID != snap.StageID {
		return false, ReasonStageMismatch
	}
	return true, ReasonStageMatch
}

// ParseTriggers decodes and validates a stored trigger list. An empty string
// is an empty list.
func ParseTriggers(raw string) ([]Trigger, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var descs []Descriptor
	if err := json.Unmarshal([]byte(raw), &descs); err != nil {
		return nil, fmt.Errorf("direction: decode triggers: %w", err)
	}
	triggers := make([]Trigger, 0, len(descs))
	for i, d := range descs {
		t, err := d.Trigger()
		if err != nil {
			return nil, fmt.Errorf("direction: trigger %d: %w", i, err)
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}

// Trigger validates the descriptor and returns its concrete trigger.
func (d Descriptor) Trigger() (Trigger, error) {
	if err := validate.Struct(d); err != nil {
		return nil, err
	}
	if d.Type == string(MatchField) {
		return FieldTrigger{FieldID: d.FieldID, Value: d.Value, EntityType: d.EntityType}, nil
	}
	return StageTrigger{EntityType: d.EntityType, PipelineID: d.PipelineID, StageID: d.StageID}, nil
}

func entityMatches(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
