package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cvforge/cvforge/internal/domain"
)

// QueueOverviewHandler reports per-queue depths and the global
// job-status counts for the admin dashboard.
func (s *Server) QueueOverviewHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Jobs.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	counts, err := s.Jobs.StatusCounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	queues := make([]queueStatsResponse, 0, len(stats))
	for _, st := range stats {
		queues = append(queues, toQueueStatsResponse(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues, "jobs": counts})
}

// knownQueue reports whether name is one of the pipeline queues.
func knownQueue(name string) bool {
	for _, t := range domain.JobTypes {
		if t.Queue() == name {
			return true
		}
	}
	return false
}

// PauseQueueHandler stops pops on one queue; leased jobs finish
// normally.
func (s *Server) PauseQueueHandler(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if !knownQueue(queue) {
		writeError(w, r, domain.E(domain.CodeNotFound, "unknown queue %q", queue))
		return
	}
	if err := s.Jobs.PauseQueue(r.Context(), queue); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeQueueHandler re-enables pops on one queue.
func (s *Server) ResumeQueueHandler(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if !knownQueue(queue) {
		writeError(w, r, domain.E(domain.CodeNotFound, "unknown queue %q", queue))
		return
	}
	if err := s.Jobs.ResumeQueue(r.Context(), queue); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
