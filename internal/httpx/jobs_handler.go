package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-cart-reservations.git/internal/scheduler"
)

// JobsHandler exposes job status and the dead-letter set. Failed jobs must
// stay visible to operators: a lost expiration job means reservations stuck
// forever.
type JobsHandler struct {
	Sched *scheduler.Scheduler
}

func (h *JobsHandler) Register(r *chi.Mux) {
	r.Get("/jobs/failed", h.listFailed)
	r.Get("/jobs/{id}", h.getJob)
}

func (h *JobsHandler) getJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// queue is optional; without it every known queue is searched.
	st, err := h.Sched.GetJobStatus(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("queue"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *JobsHandler) listFailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	jobs, err := h.Sched.ListFailed(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}
