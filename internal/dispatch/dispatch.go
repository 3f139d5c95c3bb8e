// Package dispatch sends level-reached signals to the conversion API at most
// once per conversation, level and epoch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/capi"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/models"
	"go.uber.org/zap"
)

// Dispatch outcomes, also used as EventLog statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Skip reasons recorded in the Response column of skipped rows.
const (
	SkipAlreadySent     = "already_sent"
	SkipLevel1NotSent   = "level1_not_sent"
	SkipDispatchOffline = "dispatch_disabled"
)

// Conversions builds and submits conversion events. *capi.Client
// implements it.
type Conversions interface {
	NewEvent(level funnel.Level, eventID string, at time.Time, contact capi.Contact, value float64, currency string) capi.Event
	Send(ctx context.Context, ev capi.Event) (*capi.Response, error)
}

// Result is the outcome of one dispatch.
type Result struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
	Reason  string `json:"reason,omitempty"`
	Err     error  `json:"-"`
}

// Opts configures a Dispatcher.
type Opts struct {
	Store         *dialog.Store
	Log           *EventLog
	Conversions   Conversions // nil records signals as skipped without sending
	SchemaVersion int
	Logger        *zap.SugaredLogger
	Now           func() time.Time
}

// Dispatcher is the only path that sets a level's sent flag.
type Dispatcher struct {
	store  *dialog.Store
	events *EventLog
	conv   Conversions
	schema int
	log    *zap.SugaredLogger
	now    func() time.Time
}

// New returns a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("dispatch: event log is required")
	}
	if opts.SchemaVersion <= 0 {
		opts.SchemaVersion = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:  opts.Store,
		events: opts.Log,
		conv:   opts.Conversions,
		schema: opts.SchemaVersion,
		log:    opts.Logger,
		now:    opts.Now,
	}, nil
}

// Dispatch claims sig's level for the conversation and submits the event.
// A failed submission reverts the claim so a later signal can retry.
func (d *Dispatcher) Dispatch(ctx context.Context, sig funnel.LevelSignal) Result {
	eventID := capi.EventID(sig.Key, sig.Level, d.schema)
	res := Result{EventID: eventID}
	row := &models.EventLog{
		ConversationKey: sig.Key,
		Level:           int(sig.Level),
		EventID:         eventID,
		EventName:       sig.Level.EventName(),
		Source:          string(sig.Origin),
	}

	if d.conv == nil {
		res.Status, res.Reason = StatusSkipped, SkipDispatchOffline
		d.record(ctx, row, res)
		return res
	}

	at := d.now()
	epoch, err := d.store.MarkSent(ctx, sig.Key, sig.Level, eventID, at, sig.RequireLevel1)
	switch {
	case errors.Is(err, funnel.ErrAlreadySent):
		res.Status, res.Reason = StatusSkipped, SkipAlreadySent
		d.record(ctx, row, res)
		return res
	case errors.Is(err, funnel.ErrLevel1Required):
		res.Status, res.Reason = StatusSkipped, SkipLevel1NotSent
		d.record(ctx, row, res)
		return res
	case err != nil:
		res.Status, res.Err = StatusError, err
		d.record(ctx, row, res)
		return res
	}

	row.Epoch = epoch

	dlg, err := d.store.Get(ctx, sig.Key)
	if err != nil {
		return d.fail(ctx, sig, row, res, err)
	}

	contact := capi.Contact{Phone: dlg.ContactPhone, Email: dlg.ContactEmail, ExternalID: dlg.ConversationKey}
	ev := d.conv.NewEvent(sig.Level, eventID, at, contact, sig.Value, sig.Currency)
	resp, err := d.conv.Send(ctx, ev)
	if err != nil {
		return d.fail(ctx, sig, row, res, err)
	}

	res.Status, res.Reason = StatusSuccess, resp.Body
	d.record(ctx, row, res)
	d.log.Infow("event dispatched", "key", sig.Key, "level", int(sig.Level), "event_id", eventID, "origin", sig.Origin)
	return res
}

// DispatchAll dispatches signals in order. Level 1 comes first in every
// classifier's output, so a gated level sees the level-1 claim made here.
func (d *Dispatcher) DispatchAll(ctx context.Context, sigs []funnel.LevelSignal) []Result {
	out := make([]Result, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, d.Dispatch(ctx, sig))
	}
	return out
}

func (d *Dispatcher) fail(ctx context.Context, sig funnel.LevelSignal, row *models.EventLog, res Result, cause error) Result {
	// The caller's context may be what expired; the revert must still run.
	revertCtx := context.WithoutCancel(ctx)
	if _, err := d.store.RevertSent(revertCtx, sig.Key, sig.Level, res.EventID, row.Epoch); err != nil {
		d.log.Errorw("revert sent flag failed", "key", sig.Key, "level", int(sig.Level), "event_id", res.EventID, "error", err)
	}
	var de *funnel.DeliveryError
	if !errors.As(cause, &de) {
		cause = &funnel.DeliveryError{Err: cause}
	}
	res.Status, res.Err = StatusError, cause
	d.record(revertCtx, row, res)
	d.log.Warnw("event delivery failed", "key", sig.Key, "level", int(sig.Level), "event_id", res.EventID, "error", cause)
	return res
}

func (d *Dispatcher) record(ctx context.Context, row *models.EventLog, res Result) {
	row.Status = res.Status
	row.Response = res.Reason
	if res.Err != nil {
		row.Response = res.Err.Error()
	}
	if err := d.events.Record(ctx, row); err != nil {
		d.log.Errorw("event log write failed", "key", row.ConversationKey, "level", row.Level, "status", row.Status, "error", err)
	}
}
