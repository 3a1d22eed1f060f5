package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/servicemap"
	"github.com/pixelforge/dispatchd/internal/store"
)

func testServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	cfg := &servicemap.Config{
		Workers:  map[string]servicemap.WorkerType{"gpu": {Services: []string{"render"}}},
		Services: map[string]servicemap.ServiceSpec{"render": {Connector: "poll", Endpoint: "http://x"}},
	}
	require.NoError(t, cfg.Validate())
	return New(st, cfg, zap.NewNop()), st
}

func TestSubmitJob(t *testing.T) {
	srv, st := testServer(t)
	body := `{"service_required":"render","priority":10,"payload":{"prompt":"a cat"}}`

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.DefaultMaxRetries, job.MaxRetries)

	stored, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, stored.Status)
	assert.Equal(t, 10, stored.Priority)
}

func TestSubmitJobUnknownServiceRejected(t *testing.T) {
	srv, _ := testServer(t)
	// "rendr" is the typo class the mapping validation exists for
	body := `{"service_required":"rendr","payload":{}}`

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "rendr")
}

func TestGetJob(t *testing.T) {
	srv, st := testServer(t)
	require.NoError(t, st.Enqueue(context.Background(), &domain.Job{
		ID: "j1", SubmittedAt: time.Now().UTC(), ServiceRequired: "render",
		MaxRetries: 3, Payload: []byte(`{}`),
	}))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	srv, st := testServer(t)
	require.NoError(t, st.Enqueue(context.Background(), &domain.Job{
		ID: "j1", SubmittedAt: time.Now().UTC(), ServiceRequired: "render",
		MaxRetries: 3, Payload: []byte(`{}`),
	}))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/j1/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := st.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, job.Status)
}

func TestSubmitWorkflowAndMemberOrdering(t *testing.T) {
	srv, st := testServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/workflows",
		bytes.NewBufferString(`{"priority":200,"total_steps":2}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var wf domain.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))

	// a plain high-priority job followed by a workflow step
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs",
		bytes.NewBufferString(`{"service_required":"render","priority":100,"payload":{}}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	body, _ := json.Marshal(map[string]any{
		"service_required": "render",
		"payload":          map[string]any{},
		"workflow_id":      wf.ID,
		"step_number":      1,
	})
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBuffer(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var step domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &step))

	// the workflow step inherits priority 200 and is claimed first
	w := &domain.WorkerInfo{ID: "w1", Services: []string{"render"}}
	claimed, err := st.Claim(context.Background(), w, 10)
	require.NoError(t, err)
	assert.Equal(t, step.ID, claimed.ID)
}

func TestListWorkers(t *testing.T) {
	srv, st := testServer(t)
	require.NoError(t, st.Heartbeat(context.Background(), &domain.WorkerInfo{
		ID: "w1", Services: []string{"render"}, Status: domain.WorkerIdle,
	}, time.Minute))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []domain.WorkerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)
}
