// Package classify turns inbound events and AI verdicts into level-reached
// signals. Each direction source has its own classifier; all of them emit
// []funnel.LevelSignal for the dispatcher.
package classify

import (
	"context"
	"time"

	"github.com/zulandar/signalbox/internal/direction"
	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/models"
)

// ChannelMessage is an inbound messaging-channel event. Ad clicks are
// applied to the dialog before the message reaches a classifier.
type ChannelMessage struct {
	At time.Time
}

// Input carries everything a classifier may need. Dialog and Settings are
// always set; Message is set for channel events, Snapshot for CRM events.
type Input struct {
	Dialog   *models.Dialog
	Settings *direction.Settings
	Message  *ChannelMessage
	Snapshot *direction.Snapshot
}

// LevelClassifier decides which levels a conversation has reached.
type LevelClassifier interface {
	Classify(ctx context.Context, in Input) ([]funnel.LevelSignal, error)
}

func signalFor(in Input, level funnel.Level, origin funnel.Origin, reason string) funnel.LevelSignal {
	sig := funnel.LevelSignal{
		Key:           in.Dialog.ConversationKey,
		Level:         level,
		Origin:        origin,
		Reason:        reason,
		RequireLevel1: level != funnel.LevelInterest && in.Settings.GatesOnLevel1(),
	}
	if level == funnel.LevelScheduled {
		sig.Value = in.Settings.Value
		sig.Currency = in.Settings.Currency
	}
	return sig
}
