package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/internal/model"
	"github.com/driveline-ai/driveline/internal/storage"
)

// HandleGetResult handles GET /research-results/{id}. The id may be the
// record's UUID or the originating run's researchId.
func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := h.results.FindResultByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research result not found")
			return
		}
		h.logger.Error("get result failed", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load research result")
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleSearchResults handles POST /research-results/search.
func (h *Handlers) HandleSearchResults(w http.ResponseWriter, r *http.Request) {
	var req model.ResultSearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = model.DefaultListLimit
	}
	if limit > model.MaxListLimit {
		limit = model.MaxListLimit
	}

	results, err := h.results.SearchResults(r.Context(), req.Query, req.Fields, limit)
	if err != nil {
		h.logger.Error("search results failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to search research results")
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// HandleResultStats handles GET /research-results/stats.
func (h *Handlers) HandleResultStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.results.AggregateResultStats(r.Context())
	if err != nil {
		h.logger.Error("result stats failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to aggregate result statistics")
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleResultsByStatus handles GET /research-results/by-status/{status}.
func (h *Handlers) HandleResultsByStatus(w http.ResponseWriter, r *http.Request) {
	status := model.ResultStatus(r.PathValue("status"))
	switch status {
	case model.ResultStatusPending, model.ResultStatusInProgress,
		model.ResultStatusCompleted, model.ResultStatusFailed:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid result status")
		return
	}

	results, err := h.results.FindResultsByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("results by status failed", "status", status, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load research results")
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// HandleResultsByDateRange handles GET /research-results/by-date-range.
// Accepts start and end as RFC 3339 timestamps or plain dates.
func (h *Handlers) HandleResultsByDateRange(w http.ResponseWriter, r *http.Request) {
	start, err := parseDateParam(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid start date")
		return
	}
	end, err := parseDateParam(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid end date")
		return
	}
	if end.Before(start) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "end date precedes start date")
		return
	}

	results, err := h.results.FindResultsByDateRange(r.Context(), start, end)
	if err != nil {
		h.logger.Error("results by date range failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load research results")
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// HandleUpdateResultTags handles PATCH /research-results/{id}/tags.
func (h *Handlers) HandleUpdateResultTags(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid result id")
		return
	}

	var req model.UpdateTagsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Tags == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tags is required")
		return
	}

	if err := h.results.UpdateResultTags(r.Context(), id, req.Tags); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research result not found")
			return
		}
		h.logger.Error("update result tags failed", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to update tags")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"id": id, "tags": req.Tags})
}

// HandleDeleteResult handles DELETE /research-results/{id}.
func (h *Handlers) HandleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid result id")
		return
	}

	if err := h.results.DeleteResult(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research result not found")
			return
		}
		h.logger.Error("delete result failed", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete research result")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseDateParam parses a date query parameter as RFC 3339 or YYYY-MM-DD.
func parseDateParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
