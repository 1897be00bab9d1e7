package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/monitoring"
	"github.com/sells-group/datasheet-cli/internal/orchestrator"
	"github.com/sells-group/datasheet-cli/internal/store"
)

type fakeService struct {
	submitted []model.TaskRequest
	submitErr error
	snapshots map[string]orchestrator.Snapshot
	cancelErr error
	cancelled []string
}

func (f *fakeService) Submit(_ context.Context, req model.TaskRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "task-1", nil
}

func (f *fakeService) Status(id string) (orchestrator.Snapshot, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return orchestrator.Snapshot{}, eris.Wrapf(model.ErrTaskNotFound, "orchestrator: task %s", id)
	}
	return snap, nil
}

func (f *fakeService) Cancel(id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeService) Stats() monitoring.Snapshot {
	return monitoring.Snapshot{Completed: 3, Review: 1, AvgConfidence: 0.8, Weights: map[string]float64{"claude": 1.25}}
}

type fakeReader struct {
	filter store.RecordFilter
	query  string
}

func (f *fakeReader) GetRecord(_ context.Context, id string) (*model.GoldenRecord, error) {
	if id != "task-1" {
		return nil, eris.Wrap(model.ErrTaskNotFound, "sqlite: record")
	}
	return &model.GoldenRecord{TaskID: id, OverallConfidence: 0.9}, nil
}

func (f *fakeReader) ListRecords(_ context.Context, filter store.RecordFilter) ([]store.RecordSummary, error) {
	f.filter = filter
	return []store.RecordSummary{{TaskID: "task-1", Manufacturer: "Knauf"}}, nil
}

func (f *fakeReader) Search(_ context.Context, query string, _ int) ([]store.RecordSummary, error) {
	f.query = query
	return nil, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := NewServer(&fakeService{}, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestSubmitTask(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(svc, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/tasks", `{"source":"/inbox/a.pdf","hints":{"manufacturer":"Rockwool"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "task-1", body["id"])
	assert.Equal(t, "pending", body["status"])

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "Rockwool", svc.submitted[0].Hints.Manufacturer)
}

func TestSubmitTask_BadRequests(t *testing.T) {
	h := NewServer(&fakeService{}, nil, nil).Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/tasks", `{not json`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/tasks", `{}`).Code)
}

func TestSubmitTask_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"source unavailable", eris.Wrap(model.ErrSourceUnavailable, "no such file"), http.StatusUnprocessableEntity},
		{"closed", orchestrator.ErrClosed, http.StatusServiceUnavailable},
		{"internal", eris.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(&fakeService{submitErr: tt.err}, nil, nil).Handler()
			rec := do(t, h, http.MethodPost, "/v1/tasks", `{"source":"/inbox/a.pdf"}`)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestGetTask(t *testing.T) {
	svc := &fakeService{snapshots: map[string]orchestrator.Snapshot{
		"task-1": {ID: "task-1", Status: model.TaskStatusRunning, Progress: "escalation round 2 of 3 (tier 2)"},
	}}
	h := NewServer(svc, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/tasks/task-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "escalation round 2 of 3 (tier 2)", body["progress"])

	rec = do(t, h, http.MethodGet, "/v1/tasks/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(svc, nil, nil).Handler()

	rec := do(t, h, http.MethodDelete, "/v1/tasks/task-1", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"task-1"}, svc.cancelled)

	svc.cancelErr = eris.Wrap(model.ErrTaskTerminal, "orchestrator: cancel task-1 (completed)")
	rec = do(t, h, http.MethodDelete, "/v1/tasks/task-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStats(t *testing.T) {
	h := NewServer(&fakeService{}, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.InDelta(t, 3, body["completed"], 1e-9)
	assert.InDelta(t, 0.8, body["avg_confidence"], 1e-9)
	assert.Equal(t, map[string]any{"claude": 1.25}, body["weights"])
}

func TestRecordRoutes(t *testing.T) {
	reader := &fakeReader{}
	h := NewServer(&fakeService{}, reader, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/records?review=true&manufacturer=Knauf&limit=20&offset=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.RecordFilter{ReviewOnly: true, Manufacturer: "Knauf", Limit: 20, Offset: 5}, reader.filter)

	rec = do(t, h, http.MethodGet, "/v1/records/task-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "task-1", decode(t, rec)["task_id"])

	rec = do(t, h, http.MethodGet, "/v1/records/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/search?q=stone+wool", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
	assert.Equal(t, "stone wool", reader.query)

	rec = do(t, h, http.MethodGet, "/v1/search", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordRoutes_NotMountedWithoutReader(t *testing.T) {
	h := NewServer(&fakeService{}, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/records", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	h := NewServer(&fakeService{}, nil, []string{"https://ops.example.com"}).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/stats", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
