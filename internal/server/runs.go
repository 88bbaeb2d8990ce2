package server

import (
	"net/http"

	"github.com/jfoltran/pgcopydb/internal/runstore"
)

// runHandlers exposes the read-only run-history surface. Starting, stopping,
// and switching over a run stays the job-control surface in jobs.go — there
// is only ever one active job, so runs is purely historical bookkeeping.
type runHandlers struct {
	store *runstore.Store
}

func (rh *runHandlers) list(w http.ResponseWriter, r *http.Request) {
	runs, err := rh.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (rh *runHandlers) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}

	run, ok, err := rh.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	writeJSON(w, run)
}
