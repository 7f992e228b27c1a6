package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"edu-rag/internal/pipeline"
)

const defaultRunLimit = 100

// PipelineHandler exposes pipeline runs and coverage stats over HTTP.
type PipelineHandler struct {
	Pipeline *pipeline.Service
}

type runRequest struct {
	Limit         int    `json:"limit"`
	ModifiedSince string `json:"modifiedSince"`
}

// Run handles POST /pipeline/run, executing one synchronous pipeline
// pass.
func (h *PipelineHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = defaultRunLimit
	}

	var modifiedSince *time.Time
	if req.ModifiedSince != "" {
		ts, err := time.Parse(time.RFC3339, req.ModifiedSince)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Field 'modifiedSince' must be RFC 3339")
			return
		}
		modifiedSince = &ts
	}

	result, err := h.Pipeline.Run(r.Context(), req.Limit, modifiedSince)
	if err != nil {
		logrus.WithError(err).Error("pipeline run failed")
		respondError(w, http.StatusInternalServerError, "Pipeline run failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Stats handles GET /pipeline/stats.
func (h *PipelineHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Pipeline.Stats(r.Context())
	if err != nil {
		logrus.WithError(err).Error("reading embedding stats failed")
		respondError(w, http.StatusInternalServerError, "Could not read embedding stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
