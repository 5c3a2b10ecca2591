package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/middleware"
	"fieldsync-server/internal/service"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	pushErr  error
	pullErr  error
	lastPush *domain.PushRequest
	lastPull *domain.PullRequest
	since    time.Time
}

func (f *fakeEngine) Push(_ context.Context, _ domain.Identity, req *domain.PushRequest) (*domain.PushResponse, error) {
	f.lastPush = req
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return &domain.PushResponse{Accepted: true, BatchID: req.BatchID, AcknowledgedIDs: []string{req.Actions[0].ClientActionID}}, nil
}

func (f *fakeEngine) Pull(_ context.Context, _ domain.Identity, req *domain.PullRequest) (*domain.PullResponse, error) {
	f.lastPull = req
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return &domain.PullResponse{Outcomes: []domain.ServerEvent{}}, nil
}

func (f *fakeEngine) Acknowledge(_ context.Context, _ domain.Identity, req *domain.AckRequest) (*domain.AckResponse, error) {
	return &domain.AckResponse{AcknowledgedCount: len(req.ClientActionIDs)}, nil
}

func (f *fakeEngine) Status(context.Context, domain.Identity) (*domain.StatusResponse, error) {
	return &domain.StatusResponse{PullRequired: true, DeviceActive: true, UserActive: true}, nil
}

func (f *fakeEngine) Bootstrap(context.Context, domain.Identity, *domain.BootstrapRequest) (*domain.BootstrapResponse, error) {
	return &domain.BootstrapResponse{DataVersion: "2024-03-14"}, nil
}

func (f *fakeEngine) Unacknowledged(_ context.Context, _ domain.Identity, since time.Time) ([]domain.UnackedOutcome, error) {
	f.since = since
	return []domain.UnackedOutcome{{ClientActionID: "act-1", Status: domain.StatusApplied}}, nil
}

type allowAll struct{}

func (allowAll) Verify(context.Context, domain.Identity, bool) error { return nil }

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// serve runs h behind the device guard with an already authenticated user.
func serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, "user-1"))
	req.Header.Set(middleware.DeviceIDHeader, "device-1")
	rec := httptest.NewRecorder()
	middleware.DeviceGuard(allowAll{}, false, quietLogger())(h).ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func validPushBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"batch_id": "batch-1",
		"actions": []map[string]interface{}{{
			"client_action_id": "act-1",
			"entity_type":      "DELIVERY",
			"entity_id":        "dl-1",
			"action_kind":      "DELIVERY_VALIDATED",
			"payload":          map[string]interface{}{"recipient_name": "M. Benali"},
			"occurred_at":      "2024-03-14T08:00:00Z",
			"integrity_hash":   "ecf9e98ec0641e23113ff3ce8bdc78d0ddd249886517fd4a7f68cc83d4e65667",
		}},
	})
	return body
}

func TestSyncHandler_Push(t *testing.T) {
	engine := &fakeEngine{}
	h := NewSyncHandler(engine, quietLogger())

	rec := serve(h.Push, httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", bytes.NewReader(validPushBody())))

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)

	var resp domain.PushResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, []string{"act-1"}, resp.AcknowledgedIDs)
	assert.Equal(t, "M. Benali", engine.lastPush.Actions[0].Payload["recipient_name"])
}

func TestSyncHandler_Push_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"batch_id":`},
		{"missing batch id", `{"actions":[]}`},
		{"empty actions", `{"batch_id":"b","actions":[]}`},
		{"bad entity type", `{"batch_id":"b","actions":[{"client_action_id":"a","entity_type":"NOTE","entity_id":"x","action_kind":"K","payload":{},"occurred_at":"2024-03-14T08:00:00Z","integrity_hash":"ecf9e98ec0641e23113ff3ce8bdc78d0ddd249886517fd4a7f68cc83d4e65667"}]}`},
		{"short hash", `{"batch_id":"b","actions":[{"client_action_id":"a","entity_type":"DELIVERY","entity_id":"x","action_kind":"K","payload":{},"occurred_at":"2024-03-14T08:00:00Z","integrity_hash":"abc"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			h := NewSyncHandler(engine, quietLogger())

			rec := serve(h.Push, httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", bytes.NewBufferString(tt.body)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, engine.lastPush)
		})
	}
}

func TestSyncHandler_Push_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{service.ErrBatchOwnership, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := NewSyncHandler(&fakeEngine{pushErr: tt.err}, quietLogger())
		rec := serve(h.Push, httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", bytes.NewReader(validPushBody())))
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}

func TestSyncHandler_Pull_ParsesQuery(t *testing.T) {
	engine := &fakeEngine{}
	h := NewSyncHandler(engine, quietLogger())

	rec := serve(h.Pull, httptest.NewRequest(http.MethodGet,
		"/api/v1/sync/pull?since=2024-03-14T08:00:00Z&entity_types=delivery,INVOICE&limit=25&cursor=abc", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC), engine.lastPull.Since)
	assert.Equal(t, []domain.EntityType{domain.EntityDelivery, domain.EntityInvoice}, engine.lastPull.EntityTypes)
	assert.Equal(t, 25, engine.lastPull.Limit)
	assert.Equal(t, "abc", engine.lastPull.Cursor)
}

func TestSyncHandler_Pull_BadParams(t *testing.T) {
	for _, query := range []string{"since=yesterday", "limit=0", "limit=x", "entity_types=NOTE"} {
		h := NewSyncHandler(&fakeEngine{}, quietLogger())
		rec := serve(h.Pull, httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull?"+query, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	h := NewSyncHandler(&fakeEngine{pullErr: service.ErrInvalidPullCursor}, quietLogger())
	rec := serve(h.Pull, httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull?cursor=bad", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncHandler_Acknowledge(t *testing.T) {
	h := NewSyncHandler(&fakeEngine{}, quietLogger())

	rec := serve(h.Acknowledge, httptest.NewRequest(http.MethodPost, "/api/v1/sync/ack",
		bytes.NewBufferString(`{"client_action_ids":["a","b"]}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.AckResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &resp))
	assert.Equal(t, 2, resp.AcknowledgedCount)

	rec = serve(h.Acknowledge, httptest.NewRequest(http.MethodPost, "/api/v1/sync/ack",
		bytes.NewBufferString(`{"client_action_ids":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncHandler_Bootstrap_RejectsUnknownEntity(t *testing.T) {
	h := NewSyncHandler(&fakeEngine{}, quietLogger())

	rec := serve(h.Bootstrap, httptest.NewRequest(http.MethodPost, "/api/v1/sync/bootstrap",
		bytes.NewBufferString(`{"entities":["products","invoices"]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h.Bootstrap, httptest.NewRequest(http.MethodPost, "/api/v1/sync/bootstrap",
		bytes.NewBufferString(`{"entities":["products"]}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncHandler_StatusAndUnacknowledged(t *testing.T) {
	engine := &fakeEngine{}
	h := NewSyncHandler(engine, quietLogger())

	rec := serve(h.Status, httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.StatusResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &status))
	assert.True(t, status.PullRequired)

	rec = serve(h.Unacknowledged, httptest.NewRequest(http.MethodGet, "/api/v1/sync/unacknowledged", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, engine.since.IsZero())
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestSyncHandler_RequiresIdentity(t *testing.T) {
	h := NewSyncHandler(&fakeEngine{}, quietLogger())

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
