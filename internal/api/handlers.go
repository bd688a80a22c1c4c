package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/locimem/loci/internal/memory"
	"github.com/locimem/loci/internal/models"
)

// statusFor maps engine error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var req memory.StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	result, err := s.svc.StoreMemory(r.Context(), req)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	successResponse(w, result)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := memory.RecallRequest{
		Query:       q.Get("query"),
		Type:        q.Get("type"),
		Scope:       q.Get("scope"),
		Group:       q.Get("group"),
		SummaryOnly: q.Get("summary_only") == "true",
	}
	if v := q.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "invalid max_results")
			return
		}
		req.MaxResults = n
	}
	if v := q.Get("token_budget"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "invalid token_budget")
			return
		}
		req.TokenBudget = n
	}
	if v := q.Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "invalid min_confidence")
			return
		}
		req.MinConfidence = &f
	}
	if ids, ok := q["id"]; ok {
		req.IDs = ids
	}

	result, err := s.svc.Recall(r.Context(), req)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	successResponse(w, result)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	includeRelations := r.URL.Query().Get("relations") != "false"
	includeLog := r.URL.Query().Get("log") == "true"

	result, err := s.svc.Inspect(r.Context(), id, includeRelations, includeLog)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	successResponse(w, result)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hardDelete := r.URL.Query().Get("hard_delete") == "true"
	reason := r.URL.Query().Get("reason")

	result, err := s.svc.Forget(r.Context(), id, reason, hardDelete)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	successResponse(w, result)
}

func (s *Server) handleStoreRelation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string `json:"subject_id"`
		Predicate string `json:"predicate"`
		ObjectID  string `json:"object_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	result, err := s.svc.StoreRelation(r.Context(), req.SubjectID, req.Predicate, req.ObjectID)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	successResponse(w, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Stats(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	successResponse(w, result)
}
