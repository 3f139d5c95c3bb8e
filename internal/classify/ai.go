package classify

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/verdict"
)

// DefaultTranscriptLimit caps the number of messages sent to the AI call.
const DefaultTranscriptLimit = 200

// AIVerdictClassifier asks the AI client about levels 2 and 3 of a channel
// conversation. It has no side effects of its own.
type AIVerdictClassifier struct {
	client verdict.Client
	store  *dialog.Store
	limit  int
}

// NewAIVerdictClassifier wraps client. Transcripts are read from store.
func NewAIVerdictClassifier(client verdict.Client, store *dialog.Store) *AIVerdictClassifier {
	return &AIVerdictClassifier{client: client, store: store, limit: DefaultTranscriptLimit}
}

// Classify returns a signal for each of level 2 and 3 that the verdict
// reports as reached and the dialog has not sent yet. Client errors are
// returned as-is so callers can tell transient from permanent failures.
func (a *AIVerdictClassifier) Classify(ctx context.Context, in Input) ([]funnel.LevelSignal, error) {
	msgs, err := a.store.Transcript(ctx, in.Dialog.ID, a.limit)
	if err != nil {
		return nil, fmt.Errorf("classify: ai: %w", err)
	}
	transcript := make(verdict.Transcript, 0, len(msgs))
	for _, m := range msgs {
		transcript = append(transcript, verdict.Message{Role: m.Role, Text: m.Text, At: m.SentAt})
	}

	v, err := a.client.Classify(ctx, transcript, verdict.Context{
		ConversationKey: in.Dialog.ConversationKey,
		Direction:       in.Settings.Name,
		AdOrigin:        in.Dialog.AdAttributedAt != nil,
	})
	if err != nil {
		return nil, err
	}

	var signals []funnel.LevelSignal
	for _, level := range []funnel.Level{funnel.LevelQualified, funnel.LevelScheduled} {
		if v.Reached(level) && !in.Dialog.LevelSent(int(level)) {
			signals = append(signals, signalFor(in, level, funnel.OriginAIVerdict, v.Reason))
		}
	}
	return signals, nil
}
