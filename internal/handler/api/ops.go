package api

import (
	"net/http"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	"StockMaster/internal/usecase"
	xlogger "StockMaster/pkg/logger"

	"github.com/labstack/echo/v4"
)

// OpsHandler exposes the batch job's operational surface: liveness, the last
// run's summary, and a manual run trigger for operators.
type OpsHandler struct {
	logger       *xlogger.Logger
	orchestrator *usecase.Orchestrator
	store        drepo.RegistryStore
	trigger      chan<- struct{}
}

// NewOpsHandler creates the ops handler. trigger may be nil when manual runs
// are not wired.
func NewOpsHandler(logger *xlogger.Logger, o *usecase.Orchestrator, store drepo.RegistryStore, trigger chan<- struct{}) *OpsHandler {
	return &OpsHandler{logger: logger, orchestrator: o, store: store, trigger: trigger}
}

func (h *OpsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.GET("/status", h.Status)
	g.POST("/run", h.TriggerRun)
}

func (h *OpsHandler) Health(c echo.Context) error {
	if err := h.store.Health(c.Request().Context()); err != nil {
		h.logger.Error("health check failed", xlogger.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "down"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type marketStatus struct {
	Market    string `json:"market"`
	New       int    `json:"new"`
	Delisted  int    `json:"delisted"`
	Unchanged int    `json:"unchanged"`
	Writes    int    `json:"writes"`
	Conflicts int    `json:"conflicts"`
	Error     string `json:"error,omitempty"`
}

type statusResponse struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Markets    []marketStatus `json:"markets"`
	Inferred   int            `json:"inferred"`
	Pending    int            `json:"pending"`
	Suspected  int            `json:"suspected"`
	Confirmed  int            `json:"confirmed"`
	Recollects int            `json:"recollects"`
	Warnings   []string       `json:"warnings,omitempty"`
	Fatal      string         `json:"fatal,omitempty"`
}

func (h *OpsHandler) Status(c echo.Context) error {
	s := h.orchestrator.LastSummary()
	if s == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "no run completed yet"})
	}
	return c.JSON(http.StatusOK, toStatusResponse(s))
}

// TriggerRun kicks off an out-of-schedule run. The run itself happens on the
// scheduler goroutine; overlap protection stays with the per-market locks.
func (h *OpsHandler) TriggerRun(c echo.Context) error {
	if h.trigger == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "manual runs not enabled"})
	}
	select {
	case h.trigger <- struct{}{}:
		return c.JSON(http.StatusAccepted, map[string]string{"status": "run scheduled"})
	default:
		return c.JSON(http.StatusConflict, map[string]string{"status": "a run is already pending"})
	}
}

func toStatusResponse(s *models.RunSummary) statusResponse {
	resp := statusResponse{
		RunID:      s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Inferred:   s.Inferred,
		Pending:    s.Pending,
		Suspected:  s.Suspected,
		Confirmed:  s.Confirmed,
		Recollects: s.Recollects,
		Warnings:   s.Warnings,
	}
	if s.Fatal != nil {
		resp.Fatal = s.Fatal.Error()
	}
	for _, m := range s.Markets {
		ms := marketStatus{
			Market:    string(m.Market),
			New:       m.New,
			Delisted:  m.Delisted,
			Unchanged: m.Unchanged,
			Writes:    m.Writes,
			Conflicts: len(m.Conflicts),
		}
		if m.Err != nil {
			ms.Error = m.Err.Error()
		}
		resp.Markets = append(resp.Markets, ms)
	}
	return resp
}
