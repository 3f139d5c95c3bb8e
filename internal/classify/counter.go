package classify

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/models"
)

// AdOriginLookup tells whether a conversation came from an ad when the
// message itself does not say so, e.g. from click-to-message referral data
// held elsewhere. ok is false when the lookup has no information.
type AdOriginLookup interface {
	AdSource(ctx context.Context, d *models.Dialog) (sourceID string, ok bool, err error)
}

// CounterClassifier raises level 1 after a number of inbound messages from
// an ad-attributed contact.
type CounterClassifier struct {
	store     *dialog.Store
	lookup    AdOriginLookup
	threshold int
}

// NewCounterClassifier returns a counter with the given threshold. lookup
// may be nil, in which case only ad clicks seen in the message stream
// attribute a dialog. Those are applied by the caller through
// dialog.Store.ApplyAdClick before Classify runs.
func NewCounterClassifier(store *dialog.Store, lookup AdOriginLookup, threshold int) *CounterClassifier {
	if threshold <= 0 {
		threshold = 3
	}
	return &CounterClassifier{store: store, lookup: lookup, threshold: threshold}
}

// Classify counts one inbound message toward level 1. A dialog not yet
// attributed is first checked against the ad origin lookup.
func (c *CounterClassifier) Classify(ctx context.Context, in Input) ([]funnel.LevelSignal, error) {
	if in.Message == nil {
		return nil, fmt.Errorf("classify: counter: message is required")
	}
	key := in.Dialog.ConversationKey
	msg := in.Message

	if in.Dialog.AdAttributedAt == nil && c.lookup != nil {
		source, ok, err := c.lookup.AdSource(ctx, in.Dialog)
		if err != nil {
			return nil, fmt.Errorf("classify: counter: ad origin lookup: %w", err)
		}
		if ok {
			if err := c.store.MarkAdOrigin(ctx, key, source, msg.At); err != nil {
				return nil, fmt.Errorf("classify: counter: %w", err)
			}
		}
	}

	count, adOrigin, err := c.store.IncrementIfAdOrigin(ctx, key, msg.At)
	if err != nil {
		return nil, fmt.Errorf("classify: counter: %w", err)
	}
	if !adOrigin || count < c.threshold {
		return nil, nil
	}

	// A fresh read: an ad click may have re-armed level 1 since in.Dialog
	// was loaded.
	d, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("classify: counter: %w", err)
	}
	if d.Level1Sent {
		return nil, nil
	}
	reason := fmt.Sprintf("message_count=%d threshold=%d", count, c.threshold)
	return []funnel.LevelSignal{signalFor(in, funnel.LevelInterest, funnel.OriginCounter, reason)}, nil
}
