// Package api provides the HTTP API for plan previews and stored runs.
package api

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/audiolab/stimrun/internal/config"
	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/experiment"
	"github.com/audiolab/stimrun/internal/plan"
	"github.com/audiolab/stimrun/internal/report"
	"github.com/audiolab/stimrun/internal/store"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	DB             *sql.DB
	RunRepo        *store.RunRepo
	TrialRepo      *store.TrialRepo
	EventRepo      *store.EventRepo
	StreamInterval time.Duration

	upgrader websocket.Upgrader
}

// NewHandler creates a Handler reading from db.
func NewHandler(db *sql.DB) *Handler {
	return &Handler{
		DB:             db,
		RunRepo:        &store.RunRepo{},
		TrialRepo:      &store.TrialRepo{},
		EventRepo:      &store.EventRepo{},
		StreamInterval: 500 * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local lab network only.
				return true
			},
		},
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", h.Health)

	e.POST("/api/v1/plans", h.PreviewPlan)

	e.GET("/api/v1/runs/:run_id", h.GetRun)
	e.GET("/api/v1/runs/:run_id/summary", h.GetSummary)
	e.GET("/api/v1/runs/:run_id/trials", h.ListTrials)
	e.GET("/api/v1/runs/:run_id/events", h.ListEvents)
	e.GET("/api/v1/runs/:run_id/events/stream", h.StreamEvents)

	e.GET("/api/v1/subjects/:subject/runs", h.ListSubjectRuns)
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PlanPreview is the response for POST /api/v1/plans.
type PlanPreview struct {
	Seed         uint64                `json:"seed"`
	Paradigm     string                `json:"paradigm"`
	NumTrials    int                   `json:"num_trials"`
	NumTargets   int                   `json:"num_targets"`
	NumStandards int                   `json:"num_standards"`
	PlayMatrix   []int                 `json:"playmatrix"`
	Labels       domain.LabelSequence  `json:"labels"`
	Jitter       domain.JitterSequence `json:"jitter"`
	Trials       []domain.Trial        `json:"trials"`
	TotalSec     float64               `json:"total_sec"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// PreviewPlan handles POST /api/v1/plans. The body is a run configuration;
// the response is the plan it would execute with the built-in tones. Stimulus
// files are rejected since they would name paths on this host. Nothing is
// persisted.
func (h *Handler) PreviewPlan(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
	}
	cfg, err := config.Parse(body)
	if err != nil {
		return writeError(c, err)
	}
	if cfg.Stimuli != nil {
		return writeError(c, domain.NewRunError(domain.ErrConfigInvalid.Code,
			"stimulus files are not accepted in plan previews"))
	}
	p, err := experiment.Prepare(c.Request().Context(), cfg)
	if err != nil {
		return writeError(c, err)
	}
	standards, targets := plan.Counts(p.Plan)
	return c.JSON(http.StatusOK, PlanPreview{
		Seed:         p.Seed,
		Paradigm:     cfg.Paradigm,
		NumTrials:    len(p.Plan.Trials),
		NumTargets:   targets,
		NumStandards: standards,
		PlayMatrix:   p.Labels.Codes(),
		Labels:       p.Labels,
		Jitter:       p.Jitter,
		Trials:       p.Plan.Trials,
		TotalSec:     p.Plan.TotalSec(),
	})
}

// GetRun handles GET /api/v1/runs/:run_id.
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.RunRepo.Get(c.Request().Context(), h.DB, c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetSummary handles GET /api/v1/runs/:run_id/summary.
func (h *Handler) GetSummary(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	run, err := h.RunRepo.Get(ctx, h.DB, runID)
	if err != nil {
		return writeError(c, err)
	}
	trials, err := h.TrialRepo.ListByRun(ctx, h.DB, runID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, report.Summarize(*run, report.ExecutedSeconds(trials)))
}

// ListTrials handles GET /api/v1/runs/:run_id/trials.
func (h *Handler) ListTrials(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	if _, err := h.RunRepo.Get(ctx, h.DB, runID); err != nil {
		return writeError(c, err)
	}
	trials, err := h.TrialRepo.ListByRun(ctx, h.DB, runID)
	if err != nil {
		return writeError(c, err)
	}
	if trials == nil {
		trials = []domain.StoredTrial{}
	}
	return c.JSON(http.StatusOK, trials)
}

// ListEvents handles GET /api/v1/runs/:run_id/events?since_seq=N.
func (h *Handler) ListEvents(c echo.Context) error {
	sinceSeq := int64(0)
	if s := c.QueryParam("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.EventRepo.ListByRun(c.Request().Context(), h.DB, c.Param("run_id"), sinceSeq)
	if err != nil {
		return writeError(c, err)
	}
	if events == nil {
		events = []domain.RunEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// ListSubjectRuns handles GET /api/v1/subjects/:subject/runs.
func (h *Handler) ListSubjectRuns(c echo.Context) error {
	runs, err := h.RunRepo.ListBySubject(c.Request().Context(), h.DB, c.Param("subject"))
	if err != nil {
		return writeError(c, err)
	}
	if runs == nil {
		runs = []domain.RunResult{}
	}
	return c.JSON(http.StatusOK, runs)
}

func writeError(c echo.Context, err error) error {
	var runErr *domain.RunError
	if errors.As(err, &runErr) {
		status := http.StatusInternalServerError
		switch runErr.Code {
		case domain.ErrRunNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateRun.Code:
			status = http.StatusConflict
		case domain.ErrConfigInvalid.Code, domain.ErrPlanInvalid.Code:
			status = http.StatusBadRequest
		case domain.ErrInfeasible.Code, domain.ErrSamplingExhausted.Code, domain.ErrStimulusUnavailable.Code:
			status = http.StatusUnprocessableEntity
		}
		return c.JSON(status, APIError{Code: runErr.Code, Message: runErr.Message})
	}
	return c.JSON(http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}
