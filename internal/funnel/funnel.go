// Package funnel defines the qualification levels, the signal produced by
// classifiers, and the error taxonomy shared by the tracking pipeline.
package funnel

import "fmt"

// Level is one of the three ordered qualification milestones.
type Level int

const (
	LevelInterest  Level = 1
	LevelQualified Level = 2
	LevelScheduled Level = 3
)

// Levels lists all levels in order.
var Levels = []Level{LevelInterest, LevelQualified, LevelScheduled}

// Valid reports whether l is 1, 2 or 3.
func (l Level) Valid() bool {
	return l >= LevelInterest && l <= LevelScheduled
}

// EventName is the semantic event name reported to the conversion API.
func (l Level) EventName() string {
	switch l {
	case LevelInterest:
		return "Interest"
	case LevelQualified:
		return "Qualified"
	case LevelScheduled:
		return "Scheduled-or-Purchased"
	}
	return ""
}

func (l Level) String() string {
	return fmt.Sprintf("level%d", int(l))
}

// ParseLevel converts 1..3 to a Level.
func ParseLevel(n int) (Level, error) {
	l := Level(n)
	if !l.Valid() {
		return 0, fmt.Errorf("funnel: invalid level %d", n)
	}
	return l, nil
}

// Source is where a direction's signals come from.
type Source string

const (
	SourceChannel Source = "channel"
	SourceCRM     Source = "crm"
)

// Origin names the classifier that produced a signal. It is recorded on
// event log rows.
type Origin string

const (
	OriginCounter   Origin = "counter"
	OriginAIVerdict Origin = "ai_verdict"
	OriginCRMRule   Origin = "crm_rule"
)

// LevelSignal says that a conversation has reached a level. Every
// classifier produces signals; the dispatcher consumes them.
type LevelSignal struct {
	Key           string
	Level         Level
	Origin        Origin
	Reason        string
	RequireLevel1 bool // dispatch only if level 1 was already sent
	Value         float64
	Currency      string
}
