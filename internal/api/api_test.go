package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolab/stimrun/internal/config"
	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/experiment"
	"github.com/audiolab/stimrun/internal/report"
	"github.com/audiolab/stimrun/internal/session"
	"github.com/audiolab/stimrun/internal/store"
)

// newTestHandler returns a handler over a database holding one simulated run.
func newTestHandler(t *testing.T) (*Handler, *domain.RunResult) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg, err := config.Parse([]byte(`{"subject": "07", "run": "1", "num_trials": 20, "seed": 5}`))
	require.NoError(t, err)
	p, err := experiment.Prepare(context.Background(), cfg)
	require.NoError(t, err)

	svc := experiment.NewService(db, filepath.Join(dir, "results"))
	res, err := svc.Execute(context.Background(), p, experiment.SimulatedDevices(6, *cfg.Triggers, &device.AckLog{}))
	require.NoError(t, err)

	h := NewHandler(db)
	h.StreamInterval = 10 * time.Millisecond
	return h, res
}

func runContext(e *echo.Echo, method, target, path, runID string, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(path)
	if runID != "" {
		c.SetParamNames("run_id")
		c.SetParamValues(runID)
	}
	return c, rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	c, rec := runContext(e, http.MethodGet, "/api/v1/health", "/api/v1/health", "", "")

	assert.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestGetRun(t *testing.T) {
	h, res := newTestHandler(t)
	e := echo.New()
	c, rec := runContext(e, http.MethodGet, "/api/v1/runs/"+res.RunID, "/api/v1/runs/:run_id", res.RunID, "")

	require.NoError(t, h.GetRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got domain.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, res.RunID, got.RunID)
	assert.Equal(t, domain.RunCompleted, got.Status)
	assert.Equal(t, res.Labels, got.Labels)
	assert.Equal(t, res.ReactionTimes, got.ReactionTimes)
}

func TestGetRun_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	c, rec := runContext(e, http.MethodGet, "/api/v1/runs/run_missing", "/api/v1/runs/:run_id", "run_missing", "")

	require.NoError(t, h.GetRun(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, domain.ErrRunNotFound.Code, apiErr.Code)
}

func TestGetSummary(t *testing.T) {
	h, res := newTestHandler(t)
	e := echo.New()
	c, rec := runContext(e, http.MethodGet, "/", "/api/v1/runs/:run_id/summary", res.RunID, "")

	require.NoError(t, h.GetSummary(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var s report.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 20, s.TrialsExecuted)
	assert.Equal(t, 6, s.Targets)
	assert.Equal(t, s.Targets, s.Hits+s.Omissions)
	assert.Greater(t, s.DurationSec, 0.0)
}

func TestListTrials(t *testing.T) {
	h, res := newTestHandler(t)
	e := echo.New()
	c, rec := runContext(e, http.MethodGet, "/", "/api/v1/runs/:run_id/trials", res.RunID, "")

	require.NoError(t, h.ListTrials(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var trials []domain.StoredTrial
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trials))
	require.Len(t, trials, 20)
	for i, tr := range trials {
		assert.Equal(t, i, tr.Index)
		if tr.Type == domain.Standard {
			assert.False(t, tr.ReactionTime.Valid, "standard trial %d has a reaction time", i)
		}
	}
}

func TestListEvents_SinceSeq(t *testing.T) {
	h, res := newTestHandler(t)
	e := echo.New()

	c, rec := runContext(e, http.MethodGet, "/?since_seq=3", "/api/v1/runs/:run_id/events", res.RunID, "")
	require.NoError(t, h.ListEvents(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var events []domain.RunEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, int64(4), events[0].SeqNo)

	c, rec = runContext(e, http.MethodGet, "/", "/api/v1/runs/:run_id/events", "run_none", "")
	require.NoError(t, h.ListEvents(c))
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestListSubjectRuns(t *testing.T) {
	h, res := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/subjects/07/runs", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/subjects/:subject/runs")
	c.SetParamNames("subject")
	c.SetParamValues("07")

	require.NoError(t, h.ListSubjectRuns(c))
	var runs []domain.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].RunID)
}

func TestPreviewPlan(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()
	body := `{"subject": "07", "run": "9", "seed": 99}`
	c, rec := runContext(e, http.MethodPost, "/api/v1/plans", "/api/v1/plans", "", body)

	require.NoError(t, h.PreviewPlan(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var p PlanPreview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, uint64(99), p.Seed)
	assert.Equal(t, 160, p.NumTrials)
	assert.Equal(t, 48, p.NumTargets)
	assert.Equal(t, 112, p.NumStandards)
	assert.Len(t, p.Jitter, 160)
	assert.Equal(t, []int{0, 0, 0, 0}, p.PlayMatrix[:4])
}

func TestPreviewPlan_Errors(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()

	tests := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{"invalid json", `{`, http.StatusBadRequest, domain.ErrConfigInvalid.Code},
		{"missing subject", `{"run": "1"}`, http.StatusBadRequest, domain.ErrConfigInvalid.Code},
		{"too many trials", `{"subject": "07", "run": "1", "num_trials": 2000000000}`, http.StatusBadRequest, domain.ErrConfigInvalid.Code},
		{"stimulus files", `{"subject": "07", "run": "1", "stimuli": {"standard_wav": "/etc/passwd", "target_wav": "/etc/hosts"}}`, http.StatusBadRequest, domain.ErrConfigInvalid.Code},
		{"infeasible", `{"subject": "07", "run": "1", "num_trials": 40, "target_fraction": 0.5, "prefix_standards": 10, "max_target_run": 1}`, http.StatusUnprocessableEntity, domain.ErrInfeasible.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := runContext(e, http.MethodPost, "/api/v1/plans", "/api/v1/plans", "", tt.body)
			require.NoError(t, h.PreviewPlan(c))
			assert.Equal(t, tt.status, rec.Code)

			var apiErr APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestStreamEvents(t *testing.T) {
	h, res := newTestHandler(t)
	srv := httptest.NewServer(NewServer(h, "").Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + res.RunID + "/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []domain.RunEvent
	for {
		var ev domain.RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, int64(1), got[0].SeqNo)
	assert.Equal(t, session.EventRunFinished, got[len(got)-1].EventType)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].SeqNo+1, got[i].SeqNo)
	}
}
