package classify

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/direction"
	"github.com/zulandar/signalbox/internal/funnel"
	"go.uber.org/zap"
)

// CRMRuleClassifier evaluates each level's triggers against a CRM entity
// snapshot. Levels are evaluated independently.
type CRMRuleClassifier struct {
	log *zap.SugaredLogger
}

// NewCRMRuleClassifier returns a classifier that logs per-trigger
// diagnostics at debug level.
func NewCRMRuleClassifier(log *zap.SugaredLogger) *CRMRuleClassifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CRMRuleClassifier{log: log}
}

// Classify returns a signal for every level whose triggers match and that
// the dialog has not sent yet. A direction with no triggers at all is a
// configuration error.
func (c *CRMRuleClassifier) Classify(_ context.Context, in Input) ([]funnel.LevelSignal, error) {
	if in.Snapshot == nil {
		return nil, fmt.Errorf("classify: crm: snapshot is required")
	}
	if !in.Settings.HasTriggers() {
		return nil, &funnel.ConfigurationError{DirectionID: in.Settings.ID, Reason: funnel.ReasonEmptyTriggers}
	}

	var signals []funnel.LevelSignal
	for _, level := range funnel.Levels {
		res := direction.Evaluate(in.Settings.Triggers(level), *in.Snapshot)
		c.log.Debugw("crm triggers evaluated",
			"key", in.Dialog.ConversationKey,
			"level", int(level),
			"matched", res.Matched,
			"match_type", res.MatchType,
			"reason", res.Reason,
			"diagnostics", res.Diagnostics,
		)
		if !res.Matched || in.Dialog.LevelSent(int(level)) {
			continue
		}
		signals = append(signals, signalFor(in, level, funnel.OriginCRMRule, res.Reason))
	}
	return signals, nil
}
