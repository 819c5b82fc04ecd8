package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/product-rag-scraper/internal/database"
	"github.com/maltedev/product-rag-scraper/internal/jobs"
	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/maltedev/product-rag-scraper/internal/rag"
)

const (
	pendingWarningThreshold  = 1000
	deadLetterErrorThreshold = 100
	maxRequestBodyBytes      = 1 << 20
)

type RunService interface {
	CreateRun(ctx context.Context, input models.WorkflowRun) (*jobs.Run, error)
	GetRun(ctx context.Context, runID string) (*jobs.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*jobs.Run, error)
	GetStats(ctx context.Context) (*jobs.Stats, error)
}

type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

type OutboxStats interface {
	Stats(ctx context.Context) (database.OutboxStats, error)
}

type Handlers struct {
	runs   RunService
	asker  Asker
	outbox OutboxStats
	logger *slog.Logger
}

func NewHandlers(runs RunService, asker Asker, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		runs:   runs,
		asker:  asker,
		outbox: outbox,
		logger: logger.With("component", "api"),
	}
}

// CreateRunRequest starts a search-and-extract run. Omitted limits fall back
// to models.DefaultMaxPages and models.DefaultMaxParallel; explicit values
// are validated as given.
type CreateRunRequest struct {
	SearchTerm  string  `json:"search_term"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	MaxPages    *int    `json:"max_pages,omitempty"`
	MaxParallel *int    `json:"max_parallel,omitempty"`
}

func (req CreateRunRequest) toRun() models.WorkflowRun {
	run := models.WorkflowRun{
		SearchTerm:  req.SearchTerm,
		Geolocation: models.GeoPoint{Latitude: req.Latitude, Longitude: req.Longitude},
		MaxPages:    models.DefaultMaxPages,
		MaxParallel: models.DefaultMaxParallel,
	}
	if req.MaxPages != nil {
		run.MaxPages = *req.MaxPages
	}
	if req.MaxParallel != nil {
		run.MaxParallel = *req.MaxParallel
	}
	return run
}

func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	input := req.toRun()
	if err := input.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.runs.CreateRun(r.Context(), input)
	if err != nil {
		h.logger.Error("failed to create run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	h.respondJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := h.runs.GetRun(r.Context(), runID)
	if errors.Is(err, jobs.ErrRunNotFound) {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get run", "error", err, "run_id", runID)
		h.respondError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	h.respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runs.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

type AskRequest struct {
	Question string `json:"question"`
}

type AskResponse struct {
	Answer string `json:"answer"`
}

func (h *Handlers) Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	answer, err := h.asker.Ask(r.Context(), req.Question)
	if errors.Is(err, rag.ErrEmptyQuestion) {
		h.respondError(w, http.StatusBadRequest, "question is required")
		return
	}
	if err != nil {
		h.logger.Error("failed to answer question", "error", err)
		h.respondError(w, http.StatusBadGateway, "failed to answer question")
		return
	}

	h.respondJSON(w, http.StatusOK, AskResponse{Answer: answer})
}

// Health reports the outbox backlog. Too many dead letters mark the service
// unavailable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to read outbox stats", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"message": "outbox unavailable",
		})
		return
	}

	health := map[string]any{
		"status": "ok",
		"outbox": map[string]any{
			"pending":     stats.Pending,
			"dead_letter": stats.DeadLetter,
		},
	}

	status := http.StatusOK
	if stats.Pending > pendingWarningThreshold {
		health["status"] = "warning"
		health["message"] = "High number of pending outbox events"
	}
	if stats.DeadLetter > deadLetterErrorThreshold {
		health["status"] = "error"
		health["message"] = "High number of dead letter events"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, health)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
