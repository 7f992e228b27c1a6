package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"edu-rag/internal/retrieval"
	"edu-rag/internal/vectorstore"
)

// RetrievalHandler exposes the retrieval engine over HTTP.
type RetrievalHandler struct {
	Engine *retrieval.Engine
}

type searchRequest struct {
	Query               string   `json:"query"`
	SimilarityThreshold *float64 `json:"similarityThreshold"`
	MatchCount          int      `json:"matchCount"`
	MaterialID          string   `json:"materialId"`
	MaterialIDs         []string `json:"materialIds"`
}

func (req *searchRequest) filter() vectorstore.Filter {
	var f vectorstore.Filter
	if req.MaterialID != "" {
		f = vectorstore.ByDocumentID(req.MaterialID)
	}
	if len(req.MaterialIDs) > 0 {
		set := vectorstore.ByDocumentIDSet(req.MaterialIDs)
		if f != nil {
			f = vectorstore.And(f, set)
		} else {
			f = set
		}
	}
	return f
}

// Search handles POST /search with a single-query vector retrieval.
func (h *RetrievalHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "Field 'query' is required")
		return
	}

	threshold := retrieval.DefaultSimilarityThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}

	results, err := h.Engine.Retrieve(r.Context(), req.Query, threshold, req.MatchCount, req.filter())
	if err != nil {
		logrus.WithError(err).Error("search failed")
		respondError(w, http.StatusInternalServerError, "Search failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HybridSearch handles POST /search/hybrid.
func (h *RetrievalHandler) HybridSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "Field 'query' is required")
		return
	}

	results, err := h.Engine.RetrieveHybrid(r.Context(), req.Query, req.MatchCount)
	if err != nil {
		logrus.WithError(err).Error("hybrid search failed")
		respondError(w, http.StatusInternalServerError, "Search failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

type relatedMaterialsRequest struct {
	Query        string `json:"query"`
	MaxMaterials int    `json:"maxMaterials"`
}

// RelatedMaterials handles POST /search/materials, ranking source
// materials by their best-matching chunk.
func (h *RetrievalHandler) RelatedMaterials(w http.ResponseWriter, r *http.Request) {
	var req relatedMaterialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "Field 'query' is required")
		return
	}

	related, err := h.Engine.RelatedMaterials(r.Context(), req.Query, req.MaxMaterials)
	if err != nil {
		logrus.WithError(err).Error("related materials search failed")
		respondError(w, http.StatusInternalServerError, "Search failed")
		return
	}
	if related == nil {
		related = []retrieval.RelatedMaterial{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"materials": related})
}

// MaterialContext handles GET /materials/{materialID}/context,
// returning a material's full chunked content.
func (h *RetrievalHandler) MaterialContext(w http.ResponseWriter, r *http.Request) {
	materialID := chi.URLParam(r, "materialID")

	result, err := h.Engine.MaterialContext(r.Context(), materialID)
	if errors.Is(err, retrieval.ErrNoMaterialContext) {
		respondError(w, http.StatusNotFound, "Material not found or has no content")
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("material_id", materialID).Error("material context lookup failed")
		respondError(w, http.StatusInternalServerError, "Could not load material context")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type contextRequest struct {
	Question string `json:"question"`
	UserID   string `json:"userId"`
}

// Context handles POST /context. Retrieval is best-effort: a failure
// yields an empty context with hasContext=false rather than an error,
// so the consuming answer generation can still respond.
func (h *RetrievalHandler) Context(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Question == "" {
		respondError(w, http.StatusBadRequest, "Field 'question' is required")
		return
	}

	result, err := h.Engine.ContextForQuestion(r.Context(), req.Question, req.UserID)
	if err != nil {
		logrus.WithError(err).WithField("question", req.Question).
			Error("context retrieval failed, returning empty context")
		respondJSON(w, http.StatusOK, retrieval.ContextResult{Results: []retrieval.Result{}})
		return
	}
	if result.Results == nil {
		result.Results = []retrieval.Result{}
	}
	respondJSON(w, http.StatusOK, result)
}
