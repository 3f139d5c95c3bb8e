package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestDialog_Fields(t *testing.T) {
	typ := reflect.TypeOf(Dialog{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ConversationKey", "uniqueIndex")
	assertGormTag(t, typ, "ConversationKey", "not null")
	assertGormTag(t, typ, "DirectionID", "index")
	assertFieldType(t, typ, "DirectionID", "*uint")
	assertFieldType(t, typ, "AdAttributedAt", "*time.Time")
	assertGormTag(t, typ, "AdMessageCount", "default:0")
	assertGormTag(t, typ, "Level1Sent", "column:level1_sent")
	assertGormTag(t, typ, "Level2Sent", "column:level2_sent")
	assertGormTag(t, typ, "Level3Sent", "column:level3_sent")
	assertGormTag(t, typ, "Level1EventID", "column:level1_event_id")
	assertFieldType(t, typ, "Level1SentAt", "*time.Time")
	assertGormTag(t, typ, "LastActivityAt", "index")
	assertGormTag(t, typ, "CRMLeadID", "column:crm_lead_id")
	assertGormTag(t, typ, "Messages", "foreignKey:DialogID")
}

func TestDialog_LevelAccessors(t *testing.T) {
	d := Dialog{Level1Sent: true, Level1EventID: "e1", Level3Sent: true, Level3EventID: "e3"}

	if !d.LevelSent(1) || d.LevelSent(2) || !d.LevelSent(3) {
		t.Errorf("LevelSent = %v/%v/%v, want true/false/true", d.LevelSent(1), d.LevelSent(2), d.LevelSent(3))
	}
	if d.LevelSent(4) {
		t.Error("LevelSent(4) should be false")
	}
	if d.LevelEventID(1) != "e1" || d.LevelEventID(2) != "" || d.LevelEventID(3) != "e3" {
		t.Errorf("LevelEventID mismatch: %q %q %q", d.LevelEventID(1), d.LevelEventID(2), d.LevelEventID(3))
	}
}

func TestDialogMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(DialogMessage{})

	assertGormTag(t, typ, "DialogID", "index:idx_dialog_sent")
	assertGormTag(t, typ, "SentAt", "index:idx_dialog_sent")
	assertGormTag(t, typ, "Text", "type:text")
}

func TestDirection_Fields(t *testing.T) {
	typ := reflect.TypeOf(Direction{})

	assertGormTag(t, typ, "Name", "uniqueIndex")
	assertGormTag(t, typ, "Source", "not null")
	assertGormTag(t, typ, "CRMKind", "column:crm_kind")
	assertGormTag(t, typ, "Level2Triggers", "type:text")
	assertFieldType(t, typ, "Enabled", "bool")
	if strings.Contains(gormTag(t, typ, "Enabled"), "default") {
		t.Error("Direction.Enabled must not carry a default; gorm would overwrite an explicit false")
	}
}

func TestEventLog_Fields(t *testing.T) {
	typ := reflect.TypeOf(EventLog{})

	assertGormTag(t, typ, "ConversationKey", "index:idx_event_key_level")
	assertGormTag(t, typ, "Level", "index:idx_event_key_level")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "Response", "type:text")
}

func TestSweepRun_Fields(t *testing.T) {
	typ := reflect.TypeOf(SweepRun{})

	assertGormTag(t, typ, "Trigger", "not null")
	assertGormTag(t, typ, "StartedAt", "index")
	assertFieldType(t, typ, "DurationMs", "int64")
}
