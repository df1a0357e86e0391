package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"previewbox/internal/reconcile"
)

const (
	DefaultRunsLimit = 20
	MaxRunsLimit     = 200
)

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	records, err := s.opts.Deployments.ListAll(r.Context())
	if err != nil {
		s.logger.Error("Health check failed to read deployments", "error", err)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "Deployment store unavailable",
		})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"deployments": len(records),
	})
}

// deploymentView is a record as shown by the API and the status page.
type deploymentView struct {
	reconcile.DeploymentRecord
	Link        string `json:"link,omitempty"`
	Quarantined bool   `json:"quarantined"`
}

func (s *Server) views(records []reconcile.DeploymentRecord) []deploymentView {
	out := make([]deploymentView, len(records))
	for i, rec := range records {
		out[i] = deploymentView{
			DeploymentRecord: rec,
			Link:             s.deploymentLink(rec.Label),
			Quarantined:      rec.Quarantined(),
		}
	}
	return out
}

func (s *Server) deploymentLink(label string) string {
	if s.opts.Domain == "" {
		return ""
	}
	return "https://" + label + "." + s.opts.Domain
}

// HandleDeployments lists all deployments, branch deployments first, then
// newest first.
func (s *Server) HandleDeployments(w http.ResponseWriter, r *http.Request) {
	records, err := s.opts.Deployments.ListAll(r.Context())
	if err != nil {
		s.logger.Error("Failed to list deployments", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list deployments"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"deployments": s.views(records),
	})
}

// HandleRuns returns the most recent journaled runs. ?limit= caps the count.
func (s *Server) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Run journal not available"})
		return
	}

	limit := DefaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxRunsLimit)
	}

	runs, err := s.opts.Runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list runs"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"runs": runs,
	})
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}
