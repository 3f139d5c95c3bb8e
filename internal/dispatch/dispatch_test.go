package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/signalbox/internal/capi"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db/dbtest"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/funnel"
)

type fakeConversions struct {
	mu    sync.Mutex
	sent  []capi.Event
	err   error
	calls atomic.Int32
}

func (f *fakeConversions) NewEvent(level funnel.Level, id string, at time.Time, c capi.Contact, value float64, currency string) capi.Event {
	return capi.Event{EventName: level.EventName(), EventID: id, EventTime: at.Unix(), CustomData: capi.CustomData{Level: int(level), Value: value, Currency: currency}}
}

func (f *fakeConversions) Send(_ context.Context, ev capi.Event) (*capi.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, ev)
	f.mu.Unlock()
	return &capi.Response{StatusCode: 200, Body: `{"events_received":1}`}, nil
}

type harness struct {
	store *dialog.Store
	log   *EventLog
	conv  *fakeConversions
	d     *Dispatcher
}

func newHarness(t *testing.T, keys ...string) *harness {
	t.Helper()
	gdb := dbtest.New(t)
	h := &harness{store: dialog.NewStore(gdb), log: NewEventLog(gdb), conv: &fakeConversions{}}
	for _, k := range keys {
		_, err := h.store.GetOrCreate(context.Background(), k, dialog.Identity{Phone: "+16502530000"})
		require.NoError(t, err)
	}
	d, err := New(Opts{Store: h.store, Log: h.log, Conversions: h.conv, SchemaVersion: 1})
	require.NoError(t, err)
	h.d = d
	return h
}

func (h *harness) statuses(t *testing.T, key string) []string {
	t.Helper()
	rows, err := h.log.List(context.Background(), ListOpts{ConversationKey: key})
	require.NoError(t, err)
	out := make([]string, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.Status
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Opts{})
	assert.ErrorContains(t, err, "store is required")
	_, err = New(Opts{Store: &dialog.Store{}})
	assert.ErrorContains(t, err, "event log is required")
}

func TestDispatch_SuccessThenAlreadySent(t *testing.T) {
	h := newHarness(t, "k")
	ctx := context.Background()
	sig := funnel.LevelSignal{Key: "k", Level: funnel.LevelInterest, Origin: funnel.OriginCounter}

	res := h.d.Dispatch(ctx, sig)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, capi.EventID("k", funnel.LevelInterest, 1), res.EventID)

	d, err := h.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Level1Sent)
	assert.Equal(t, res.EventID, d.Level1EventID)

	again := h.d.Dispatch(ctx, sig)
	assert.Equal(t, StatusSkipped, again.Status)
	assert.Equal(t, SkipAlreadySent, again.Reason)
	assert.Equal(t, int32(1), h.conv.calls.Load(), "dedup gate must prevent a second API call")

	assert.Equal(t, []string{StatusSuccess, StatusSkipped}, h.statuses(t, "k"))
}

func TestDispatch_FailureRevertsAndCountsRetries(t *testing.T) {
	h := newHarness(t, "k")
	ctx := context.Background()
	h.conv.err = &funnel.DeliveryError{StatusCode: 500, Body: "boom"}
	sig := funnel.LevelSignal{Key: "k", Level: funnel.LevelQualified, Origin: funnel.OriginAIVerdict}

	first := h.d.Dispatch(ctx, sig)
	assert.Equal(t, StatusError, first.Status)
	var de *funnel.DeliveryError
	require.ErrorAs(t, first.Err, &de)
	assert.Equal(t, 500, de.StatusCode)

	d, err := h.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Level2Sent, "flag must be reverted after a failed send")
	assert.Empty(t, d.Level2EventID)

	second := h.d.Dispatch(ctx, sig)
	assert.Equal(t, StatusError, second.Status)

	h.conv.err = nil
	third := h.d.Dispatch(ctx, sig)
	assert.Equal(t, StatusSuccess, third.Status)
	assert.Equal(t, first.EventID, third.EventID, "retries reuse the deterministic id")

	rows, err := h.log.List(ctx, ListOpts{ConversationKey: "k", Status: StatusError})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].RetryCount)
	assert.Equal(t, 0, rows[1].RetryCount)
}

// rearmingConversions fails the first send after re-arming level 1 with a new
// ad click and letting a second dispatch go through.
type rearmingConversions struct {
	fakeConversions
	rearm func()
}

func (r *rearmingConversions) Send(ctx context.Context, ev capi.Event) (*capi.Response, error) {
	if rearm := r.rearm; rearm != nil {
		r.rearm = nil
		rearm()
		return nil, &funnel.DeliveryError{StatusCode: 502, Body: "bad gateway"}
	}
	return r.fakeConversions.Send(ctx, ev)
}

func TestDispatch_FailedSendKeepsClaimFromNewerEpoch(t *testing.T) {
	h := newHarness(t, "k")
	ctx := context.Background()
	require.NoError(t, h.store.ApplyAdClick(ctx, "k", "ad-1", time.Now()))

	conv := &rearmingConversions{}
	d, err := New(Opts{Store: h.store, Log: h.log, Conversions: conv})
	require.NoError(t, err)
	sig := funnel.LevelSignal{Key: "k", Level: funnel.LevelInterest, Origin: funnel.OriginCounter}

	var second Result
	conv.rearm = func() {
		require.NoError(t, h.store.ApplyAdClick(ctx, "k", "ad-2", time.Now()))
		second = d.Dispatch(ctx, sig)
	}

	first := d.Dispatch(ctx, sig)
	assert.Equal(t, StatusError, first.Status)
	assert.Equal(t, StatusSuccess, second.Status)

	dlg, err := h.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, dlg.Level1Sent, "the failed send from epoch 1 must not undo the epoch 2 claim")
	assert.Equal(t, 2, dlg.Epoch)

	rows, err := h.log.List(ctx, ListOpts{ConversationKey: "k"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	epochs := map[string]int{}
	for _, r := range rows {
		epochs[r.Status] = r.Epoch
	}
	assert.Equal(t, map[string]int{StatusSuccess: 2, StatusError: 1}, epochs)
}

func TestDispatch_TransportErrorWrappedAsDeliveryError(t *testing.T) {
	h := newHarness(t, "k")
	h.conv.err = errors.New("connection reset")
	res := h.d.Dispatch(context.Background(), funnel.LevelSignal{Key: "k", Level: funnel.LevelInterest})
	var de *funnel.DeliveryError
	assert.ErrorAs(t, res.Err, &de)
}

func TestDispatch_GatedOnLevel1(t *testing.T) {
	h := newHarness(t, "k")
	ctx := context.Background()

	res := h.d.Dispatch(ctx, funnel.LevelSignal{Key: "k", Level: funnel.LevelScheduled, RequireLevel1: true})
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, SkipLevel1NotSent, res.Reason)
	assert.Zero(t, h.conv.calls.Load())

	results := h.d.DispatchAll(ctx, []funnel.LevelSignal{
		{Key: "k", Level: funnel.LevelInterest},
		{Key: "k", Level: funnel.LevelScheduled, RequireLevel1: true, Value: 99, Currency: "EUR"},
	})
	require.Len(t, results, 2)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, StatusSuccess, results[1].Status)
	require.Len(t, h.conv.sent, 2)
	assert.Equal(t, 99.0, h.conv.sent[1].CustomData.Value)
}

func TestDispatch_MissingDialog(t *testing.T) {
	h := newHarness(t)
	res := h.d.Dispatch(context.Background(), funnel.LevelSignal{Key: "ghost", Level: funnel.LevelInterest})
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, dialog.ErrNotFound)
	assert.Zero(t, h.conv.calls.Load())
}

func TestDispatch_NoConversionsConfigured(t *testing.T) {
	gdb := dbtest.New(t)
	store := dialog.NewStore(gdb)
	_, err := store.GetOrCreate(context.Background(), "k", dialog.Identity{})
	require.NoError(t, err)
	d, err := New(Opts{Store: store, Log: NewEventLog(gdb)})
	require.NoError(t, err)

	res := d.Dispatch(context.Background(), funnel.LevelSignal{Key: "k", Level: funnel.LevelInterest})
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, SkipDispatchOffline, res.Reason)
	dlg, _ := store.Get(context.Background(), "k")
	assert.False(t, dlg.Level1Sent, "nothing is claimed when sending is disabled")
}

func TestDispatch_ConcurrentPathsSendOnce(t *testing.T) {
	h := newHarness(t, "k")
	ctx := context.Background()
	sig := funnel.LevelSignal{Key: "k", Level: funnel.LevelQualified}

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.d.Dispatch(ctx, sig)
		}(i)
	}
	wg.Wait()

	success := 0
	for _, r := range results {
		if r.Status == StatusSuccess {
			success++
		} else {
			assert.Equal(t, StatusSkipped, r.Status)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, int32(1), h.conv.calls.Load())
}

func TestDispatch_WithHTTPClient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"events_received":1}`))
	}))
	defer srv.Close()

	gdb := dbtest.New(t)
	store := dialog.NewStore(gdb)
	_, err := store.GetOrCreate(context.Background(), "wa:1", dialog.Identity{Email: "a@b.co"})
	require.NoError(t, err)
	client, err := capi.NewClient(config.CAPIConfig{BaseURL: srv.URL, PixelID: "1", AccessToken: "t", Timeout: time.Second})
	require.NoError(t, err)
	d, err := New(Opts{Store: store, Log: NewEventLog(gdb), Conversions: client})
	require.NoError(t, err)

	res := d.Dispatch(context.Background(), funnel.LevelSignal{Key: "wa:1", Level: funnel.LevelInterest})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, `{"events_received":1}`, res.Reason)
	assert.Equal(t, int32(1), hits.Load())
}
