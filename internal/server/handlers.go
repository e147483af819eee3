package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/internal/model"
	"github.com/driveline-ai/driveline/internal/storage"
)

// ProgressStore is the progress persistence surface the handlers need.
type ProgressStore interface {
	CreateProgress(ctx context.Context, p *model.ResearchProgress) error
	GetProgress(ctx context.Context, researchID string) (*model.ResearchProgress, error)
	MutateProgress(ctx context.Context, researchID string, fn func(*model.ResearchProgress) error) (*model.ResearchProgress, error)
	ListProgress(ctx context.Context, filter model.ProgressFilter) ([]model.ProgressSummary, error)
}

// ResultStore is the result persistence surface the handlers need.
type ResultStore interface {
	FindResultByID(ctx context.Context, idOrResearchID string) (*model.ResearchResult, error)
	SearchResults(ctx context.Context, textQuery string, fields []string, limit int) ([]model.ResearchResult, error)
	FindResultsByDateRange(ctx context.Context, start, end time.Time) ([]model.ResearchResult, error)
	FindResultsByStatus(ctx context.Context, status model.ResultStatus) ([]model.ResearchResult, error)
	AggregateResultStats(ctx context.Context) (*model.ResultStats, error)
	UpdateResultTags(ctx context.Context, id uuid.UUID, tags []string) error
	DeleteResult(ctx context.Context, id uuid.UUID) error
}

// Researcher starts research runs and serves streamed ones.
type Researcher interface {
	Start(ctx context.Context, query string, userID *string) (string, error)
	ServeStream(ctx context.Context, w http.ResponseWriter, query string, userID *string) error
}

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	progress            ProgressStore
	results             ResultStore
	researcher          Researcher
	broker              *Broker
	pinger              Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Pinger.
type HandlersDeps struct {
	Progress            ProgressStore
	Results             ResultStore
	Researcher          Researcher
	Broker              *Broker
	Pinger              Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		progress:            d.Progress,
		results:             d.Results,
		researcher:          d.Researcher,
		broker:              d.Broker,
		pinger:              d.Pinger,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleStartResearch handles POST /research. Accepts the run and
// returns 202 immediately; the run itself executes in the background.
func (h *Handlers) HandleStartResearch(w http.ResponseWriter, r *http.Request) {
	var req model.StartResearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateQuery(req.Query); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	researchID, err := h.researcher.Start(r.Context(), req.Query, req.UserID)
	if err != nil {
		h.logger.Error("start research failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start research")
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.StartResearchResponse{
		ResearchID:  researchID,
		ProgressURL: "/research-progress/" + researchID,
	})
}

// HandleResearchStream handles GET /research/stream. Proxies the agent
// service's event stream and persists the final payload.
func (h *Handlers) HandleResearchStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if err := model.ValidateQuery(query); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var userID *string
	if uid := r.URL.Query().Get("userId"); uid != "" {
		userID = &uid
	}

	// ServeStream only errors before writing any response bytes, so the
	// envelope never lands on a live stream.
	if err := h.researcher.ServeStream(r.Context(), w, query, userID); err != nil {
		h.logger.Error("research stream failed", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "agent service stream unavailable")
	}
}

// HandleCreateProgress handles POST /research-progress. Used by external
// workers that drive a run through the PATCH endpoint instead of the
// built-in orchestrator.
func (h *Handlers) HandleCreateProgress(w http.ResponseWriter, r *http.Request) {
	var req model.CreateProgressRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ResearchID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "researchId is required")
		return
	}
	if err := model.ValidateQuery(req.Query); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	p := model.NewResearchProgress(req.ResearchID, req.Query, req.UserID)
	if err := h.progress.CreateProgress(r.Context(), p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "research progress already exists")
			return
		}
		h.logger.Error("create progress failed", "research_id", req.ResearchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create research progress")
		return
	}

	writeJSON(w, r, http.StatusCreated, p.View())
}

// HandleListProgress handles GET /research-progress.
func (h *Handlers) HandleListProgress(w http.ResponseWriter, r *http.Request) {
	var filter model.ProgressFilter

	if s := r.URL.Query().Get("status"); s != "" {
		status := model.ResearchStatus(s)
		switch status {
		case model.ResearchStatusPending, model.ResearchStatusInProgress,
			model.ResearchStatusCompleted, model.ResearchStatusError:
			filter.Status = &status
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
			return
		}
	}
	if uid := r.URL.Query().Get("userId"); uid != "" {
		filter.UserID = &uid
	}
	filter.Limit = parseLimit(r.URL.Query().Get("limit"))

	summaries, err := h.progress.ListProgress(r.Context(), filter)
	if err != nil {
		h.logger.Error("list progress failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list research progress")
		return
	}
	writeJSON(w, r, http.StatusOK, summaries)
}

// HandleGetProgress handles GET /research-progress/{researchId}.
func (h *Handlers) HandleGetProgress(w http.ResponseWriter, r *http.Request) {
	researchID := r.PathValue("researchId")

	p, err := h.progress.GetProgress(r.Context(), researchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research progress not found")
			return
		}
		h.logger.Error("get progress failed", "research_id", researchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load research progress")
		return
	}
	writeJSON(w, r, http.StatusOK, p.View())
}

// HandlePatchProgress handles PATCH /research-progress/{researchId}.
// All body fields are optional and composable; present ones are applied
// in a fixed order inside one atomic mutation, and the overall status is
// always re-derived afterwards.
func (h *Handlers) HandlePatchProgress(w http.ResponseWriter, r *http.Request) {
	researchID := r.PathValue("researchId")

	var req model.PatchProgressRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	p, err := h.progress.MutateProgress(r.Context(), researchID, func(p *model.ResearchProgress) error {
		applyPatch(p, &req)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research progress not found")
			return
		}
		h.logger.Error("patch progress failed", "research_id", researchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to update research progress")
		return
	}

	writeJSON(w, r, http.StatusOK, model.PatchProgressResponse{
		Status:          p.Status,
		OverallProgress: p.OverallProgress,
	})
}

// applyPatch folds one PATCH body into the aggregate. Order matters:
// subtask upsert, log append, questions replace, error, result, then the
// overall status derivation, so a single request that both completes the
// last subtask and attaches the result observes all of its own effects.
func applyPatch(p *model.ResearchProgress, req *model.PatchProgressRequest) {
	if req.AgentID != "" && (req.Progress != nil || req.Status != nil) {
		// Upsert first so external workers can report agents the run was
		// not seeded with.
		if req.Description != "" || p.Subtask(req.AgentID) == nil {
			desc := req.Description
			if desc == "" {
				desc = req.AgentID
			}
			p.AddSubtask(req.AgentID, desc)
		}
		if req.Status != nil && *req.Status == model.SubtaskStatusError {
			msg := "subtask failed"
			if req.ErrorMessage != nil {
				msg = *req.ErrorMessage
			} else if req.Message != "" {
				msg = req.Message
			}
			p.FailSubtask(req.AgentID, msg)
		} else {
			progress := req.Progress
			if progress == nil {
				if st := p.Subtask(req.AgentID); st != nil {
					progress = &st.Progress
				}
			}
			if progress != nil {
				p.UpdateSubtaskProgress(req.AgentID, *progress, req.Status)
			}
		}
	}

	if req.Message != "" {
		agentID := req.AgentID
		if agentID == "" {
			agentID = model.SystemAgentID
		}
		level := req.Level
		if level == "" {
			level = model.LogLevelInfo
		}
		p.AddLog(req.Message, agentID, level)
	}

	if req.Questions != nil {
		p.SetQuestions(req.Questions)
	}
	if req.ErrorMessage != nil && (req.Status == nil || *req.Status != model.SubtaskStatusError || req.AgentID == "") {
		p.SetError(*req.ErrorMessage)
	}
	if req.Result != nil {
		p.SetResult(req.Result)
	}

	p.UpdateOverallStatus()
}

// HandleProgressEvents handles GET /research-progress/{researchId}/events.
// Streams live progress events for one run over SSE until the client
// disconnects.
func (h *Handlers) HandleProgressEvents(w http.ResponseWriter, r *http.Request) {
	researchID := r.PathValue("researchId")

	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event streaming is not enabled")
		return
	}

	p, err := h.progress.GetProgress(r.Context(), researchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research progress not found")
			return
		}
		h.logger.Error("get progress failed", "research_id", researchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load research progress")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	ch := h.broker.Subscribe(researchID)
	defer h.broker.Unsubscribe(ch)

	// Lift the server write timeout for this long-lived response. Not
	// every ResponseWriter supports it; a refusal just means the
	// server-wide deadline still applies.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Initial snapshot so subscribers don't wait for the next mutation.
	writeEvent(w, flusher, "progress", model.ProgressEvent{
		ResearchID:      p.ResearchID,
		Status:          p.Status,
		OverallProgress: p.OverallProgress,
		UpdatedAt:       p.UpdatedAt,
	})

	// Heartbeat keeps intermediaries from closing an idle stream.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Postgres: "ok",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	status := http.StatusOK
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Postgres = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}

// parseLimit parses a list limit query parameter, applying the default
// and the cap.
func parseLimit(raw string) int {
	if raw == "" {
		return model.DefaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return model.DefaultListLimit
	}
	if n > model.MaxListLimit {
		return model.MaxListLimit
	}
	return n
}
