// Package verdict defines the contract of the external AI qualification call
// and its Gemini implementation.
package verdict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/funnel"
)

// Verdict is the AI's answer for one transcript.
type Verdict struct {
	Interested bool   `json:"interested"`
	Qualified  bool   `json:"qualified"`
	Scheduled  bool   `json:"scheduled"`
	Reason     string `json:"reason,omitempty"`
}

// Reached reports whether the verdict says level has been reached.
func (v Verdict) Reached(level funnel.Level) bool {
	switch level {
	case funnel.LevelInterest:
		return v.Interested
	case funnel.LevelQualified:
		return v.Qualified
	case funnel.LevelScheduled:
		return v.Scheduled
	}
	return false
}

// Message is one transcript line.
type Message struct {
	Role string
	Text string
	At   time.Time
}

// Transcript is a conversation in chronological order.
type Transcript []Message

// String renders the transcript one "role: text" line per message.
func (t Transcript) String() string {
	var b strings.Builder
	for _, m := range t {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	return b.String()
}

// Context is the non-transcript input to a classification.
type Context struct {
	ConversationKey string
	Direction       string
	AdOrigin        bool
}

// Client classifies a transcript. Implementations have no side effects and
// may be called repeatedly for the same conversation.
type Client interface {
	Classify(ctx context.Context, transcript Transcript, c Context) (Verdict, error)
}

// TransientError means the call may succeed if retried on a later sweep.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "verdict: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError means retrying the same input will not help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "verdict: permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err wraps a PermanentError. Anything else,
// including unclassified errors, is treated as transient by callers.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrEmptyTranscript is wrapped in a PermanentError when there is nothing to
// classify.
var ErrEmptyTranscript = errors.New("empty transcript")
