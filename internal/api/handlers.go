package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/mediasync/internal/analyzer"
	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/repo"
	"github.com/LeventeLantos/mediasync/internal/scheduler"
	"github.com/LeventeLantos/mediasync/internal/service"
	"github.com/LeventeLantos/mediasync/internal/syncer"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Orchestrator interface {
	HandleEvent(ctx context.Context, ev service.Event) (syncer.Result, error)
	RunSweep(ctx context.Context, opts service.SweepOptions) service.Summary
	Analyze(ctx context.Context, messageID, correlationID string) (model.Message, error)
	Group(ctx context.Context, groupID string) ([]model.Message, error)
	Errors(ctx context.Context, limit, offset int) ([]model.Message, error)
}

type Scheduler interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Status() scheduler.Status
}

type Handler struct {
	sched  Scheduler
	orch   Orchestrator
	logger *zerolog.Logger
}

func NewHandler(s Scheduler, o Orchestrator, logger *zerolog.Logger) *Handler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Handler{sched: s, orch: o, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	if h.sched.Start() {
		h.logger.Info().Msg("scheduler started via api")
	}
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	if h.sched.Stop() {
		h.logger.Info().Msg("scheduler stopped via api")
	}
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// Sync triggers a group sync for a record whose analysis completed.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var ev service.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if ev.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = r.Header.Get("X-Correlation-ID")
	}

	res, err := h.orch.HandleEvent(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sweep runs one sweep synchronously, optionally scoped by group_id and since.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	opts := service.SweepOptions{GroupID: r.URL.Query().Get("group_id")}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = since
	}

	sum := h.orch.RunSweep(r.Context(), opts)
	status := http.StatusOK
	if sum.Error != "" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, sum)
}

func (h *Handler) AnalyzeMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.orch.Analyze(r.Context(), r.PathValue("id"), r.Header.Get("X-Correlation-ID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	items, err := h.orch.Group(r.Context(), groupID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusNotFound, "media group not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"media_group_id": groupID, "items": items})
}

func (h *Handler) ListErrors(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), defaultListLimit)
	offset := parseInt(r.URL.Query().Get("offset"), 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	items, err := h.orch.Errors(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncer.ErrMissingAnalyzedContent),
		errors.Is(err, syncer.ErrSourceNotInGroup),
		errors.Is(err, service.ErrNotGrouped),
		errors.Is(err, analyzer.ErrEmptyCaption):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
