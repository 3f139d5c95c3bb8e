package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/signalbox/internal/capi"
	"github.com/zulandar/signalbox/internal/classify"
	"github.com/zulandar/signalbox/internal/db/dbtest"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/direction"
	"github.com/zulandar/signalbox/internal/dispatch"
	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/intake"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/sweep"
	"gorm.io/gorm"
)

type okConversions struct {
	sent atomic.Int32
}

func (o *okConversions) NewEvent(level funnel.Level, id string, _ time.Time, _ capi.Contact, _ float64, _ string) capi.Event {
	return capi.Event{EventName: level.EventName(), EventID: id}
}

func (o *okConversions) Send(context.Context, capi.Event) (*capi.Response, error) {
	o.sent.Add(1)
	return &capi.Response{StatusCode: 200, Body: `{"events_received":1}`}, nil
}

type stubSweeper struct {
	sum *sweep.Summary
	err error
}

func (s *stubSweeper) Run(_ context.Context, trigger string) (*sweep.Summary, error) {
	if s.sum != nil {
		s.sum.Trigger = trigger
	}
	return s.sum, s.err
}

type harness struct {
	db     *gorm.DB
	conv   *okConversions
	router *gin.Engine
}

func newHarness(t *testing.T, token string, sw SweepRunner) *harness {
	t.Helper()
	gdb := dbtest.New(t)
	store := dialog.NewStore(gdb)
	events := dispatch.NewEventLog(gdb)
	conv := &okConversions{}
	d, err := dispatch.New(dispatch.Opts{Store: store, Log: events, Conversions: conv})
	require.NoError(t, err)
	svc, err := intake.New(intake.Opts{
		Store:      store,
		Resolver:   direction.NewResolver(gdb),
		Counter:    classify.NewCounterClassifier(store, nil, 3),
		CRM:        classify.NewCRMRuleClassifier(nil),
		Dispatcher: d,
	})
	require.NoError(t, err)

	router, err := NewRouter(Opts{
		DB:           gdb,
		Intake:       svc,
		Store:        store,
		Events:       events,
		Sweeper:      sw,
		WebhookToken: token,
	})
	require.NoError(t, err)
	return &harness{db: gdb, conv: conv, router: router}
}

func (h *harness) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) direction(t *testing.T, row models.Direction) uint {
	t.Helper()
	require.NoError(t, h.db.Create(&row).Error)
	return row.ID
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db is required")

	_, err = NewRouter(Opts{DB: dbtest.New(t)})
	assert.ErrorContains(t, err, "intake, store and events are required")
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, "", nil)
	w := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestChannelWebhook_LevelOneAfterThreshold(t *testing.T) {
	h := newHarness(t, "", nil)
	dirID := h.direction(t, models.Direction{Name: "wa", Enabled: true, Source: "channel"})

	post := func(adClick bool) intake.Outcome {
		t.Helper()
		w := h.do(t, http.MethodPost, "/webhooks/channel", map[string]any{
			"instance_id":  "wa1",
			"contact_id":   "15551234567@s.whatsapp.net",
			"phone":        "+15551234567",
			"direction_id": dirID,
			"is_ad_click":  adClick,
			"ad_source_id": "ad-9",
			"text":         "hi",
		}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var out intake.Outcome
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		return out
	}

	assert.Empty(t, post(true).Results)
	assert.Empty(t, post(false).Results)
	out := post(false)
	require.Len(t, out.Results, 1)
	assert.Equal(t, dispatch.StatusSuccess, out.Results[0].Status)
	assert.NotEmpty(t, out.Results[0].EventID)
	assert.Equal(t, int32(1), h.conv.sent.Load())

	w := h.do(t, http.MethodGet, "/api/dialogs/"+out.Key, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view dialogView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "wa1:15551234567", view.Key)
	assert.Equal(t, "ad-9", view.AdSourceID)
	require.Len(t, view.Levels, 3)
	assert.True(t, view.Levels[0].Sent)
	assert.Equal(t, out.Results[0].EventID, view.Levels[0].EventID)
	assert.False(t, view.Levels[1].Sent)

	w = h.do(t, http.MethodGet, "/api/events?key="+out.Key, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []eventView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, dispatch.StatusSuccess, events[0].Status)
	assert.Equal(t, "Interest", events[0].EventName)
}

func TestChannelWebhook_BadPayload(t *testing.T) {
	h := newHarness(t, "", nil)
	w := h.do(t, http.MethodPost, "/webhooks/channel", map[string]any{"instance_id": "wa1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ContactID")

	w = h.do(t, http.MethodPost, "/webhooks/channel", map[string]any{
		"instance_id": "wa1", "contact_id": "1", "role": "bot",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChannelWebhook_UnlinkedDirectionIsSkipped(t *testing.T) {
	h := newHarness(t, "", nil)
	w := h.do(t, http.MethodPost, "/webhooks/channel", map[string]any{
		"instance_id": "wa1", "contact_id": "1", "text": "hello",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out intake.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, funnel.ReasonDirectionMissing, out.Skipped)
}

func TestCRMWebhook_StageTrigger(t *testing.T) {
	h := newHarness(t, "", nil)
	dirID := h.direction(t, models.Direction{
		Name:           "amo",
		Enabled:        true,
		Source:         "crm",
		CRMKind:        "amocrm",
		Level3Triggers: `[{"type":"stage","pipeline_id":"7","stage_id":"won"}]`,
	})

	body := map[string]any{
		"crm_kind":     "amocrm",
		"entity_type":  "lead",
		"entity_id":    "501",
		"direction_id": dirID,
		"pipeline_id":  "7",
		"stage_id":     "won",
		"contact":      map[string]string{"id": "c-1", "phone": "+15551234567"},
	}
	w := h.do(t, http.MethodPost, "/webhooks/crm", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out intake.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "amocrm:lead:501", out.Key)
	require.Len(t, out.Results, 1)
	assert.Equal(t, dispatch.StatusSuccess, out.Results[0].Status)

	// Redelivery of the same webhook is deduplicated.
	w = h.do(t, http.MethodPost, "/webhooks/crm", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, dispatch.StatusSkipped, out.Results[0].Status)
	assert.Equal(t, int32(1), h.conv.sent.Load())

	w = h.do(t, http.MethodGet, "/api/events?status=skipped&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []eventView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events, 1)

	w = h.do(t, http.MethodGet, "/api/events?level=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	w = h.do(t, http.MethodGet, "/api/events?level=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Empty(t, events)

	w = h.do(t, http.MethodGet, "/api/events?level=4", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCRMWebhook_Validation(t *testing.T) {
	h := newHarness(t, "", nil)
	w := h.do(t, http.MethodPost, "/webhooks/crm", map[string]any{
		"crm_kind": "amocrm", "entity_type": "company", "entity_id": "1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookToken(t *testing.T) {
	h := newHarness(t, "s3cret", nil)
	body := map[string]any{"instance_id": "wa1", "contact_id": "1"}

	w := h.do(t, http.MethodPost, "/webhooks/channel", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodPost, "/webhooks/channel", body, map[string]string{"X-Webhook-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodPost, "/webhooks/channel", body, map[string]string{"X-Webhook-Token": "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/api/events", nil, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health checks stay open.
	w = h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSweepTrigger(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		h := newHarness(t, "", &stubSweeper{sum: &sweep.Summary{Found: 4, Processed: 3, Dispatched: 2, DurationMs: 15}})
		w := h.do(t, http.MethodPost, "/api/sweeps", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var sum sweep.Summary
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
		assert.Equal(t, sweep.TriggerManual, sum.Trigger)
		assert.Equal(t, 4, sum.Found)
		assert.Equal(t, int64(15), sum.DurationMs)
	})

	t.Run("already running", func(t *testing.T) {
		h := newHarness(t, "", &stubSweeper{err: sweep.ErrSweepRunning})
		w := h.do(t, http.MethodPost, "/api/sweeps", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"skipped"}`, w.Body.String())
	})

	t.Run("run failed", func(t *testing.T) {
		h := newHarness(t, "", &stubSweeper{sum: &sweep.Summary{Errors: 1, Err: "db down"}, err: errors.New("db down")})
		w := h.do(t, http.MethodPost, "/api/sweeps", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), `"error":"db down"`)
	})

	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t, "", nil)
		w := h.do(t, http.MethodPost, "/api/sweeps", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestDialogNotFound(t *testing.T) {
	h := newHarness(t, "", nil)
	w := h.do(t, http.MethodGet, "/api/dialogs/nope:1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsBadLimit(t *testing.T) {
	h := newHarness(t, "", nil)
	for _, limit := range []string{"0", "-3", "lots"} {
		w := h.do(t, http.MethodGet, "/api/events?limit="+limit, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	gdb := dbtest.New(t)
	store := dialog.NewStore(gdb)
	events := dispatch.NewEventLog(gdb)
	d, err := dispatch.New(dispatch.Opts{Store: store, Log: events})
	require.NoError(t, err)
	svc, err := intake.New(intake.Opts{
		Store:      store,
		Resolver:   direction.NewResolver(gdb),
		Counter:    classify.NewCounterClassifier(store, nil, 3),
		CRM:        classify.NewCRMRuleClassifier(nil),
		Dispatcher: d,
	})
	require.NoError(t, err)

	port := 19000 + int(time.Now().UnixNano()%1000)
	var out strings.Builder
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, Opts{DB: gdb, Intake: svc, Store: store, Events: events, Port: port, Out: &out})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
