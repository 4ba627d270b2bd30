// Package admin exposes saga inspection and recovery endpoints for
// operators.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mannapay/eventcore/events/saga"
	"github.com/mannapay/eventcore/libs/db"
)

type Handler struct {
	pool         *db.Pool
	repo         *saga.Repository
	orchestrator *saga.Orchestrator
	logger       *slog.Logger
}

func New(pool *db.Pool, repo *saga.Repository, orchestrator *saga.Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, repo: repo, orchestrator: orchestrator, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/sagas", h.Get)
	mux.HandleFunc("/admin/sagas/stuck", h.ListStuck)
	mux.HandleFunc("/admin/sagas/suspend", h.Suspend)
	mux.HandleFunc("/admin/sagas/resume", h.Resume)
	mux.HandleFunc("/admin/sagas/stats", h.Stats)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		inst *saga.Instance
		err  error
	)
	switch {
	case r.URL.Query().Get("id") != "":
		id, parseErr := uuid.Parse(r.URL.Query().Get("id"))
		if parseErr != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		inst, err = h.repo.FindByID(r.Context(), h.pool, id)
	case r.URL.Query().Get("correlationId") != "":
		inst, err = h.repo.FindByCorrelationID(r.Context(), h.pool, r.URL.Query().Get("correlationId"))
	default:
		http.Error(w, "id or correlationId is required", http.StatusBadRequest)
		return
	}

	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(inst)
	case errors.Is(err, saga.ErrNotFound):
		http.Error(w, "saga not found", http.StatusNotFound)
	default:
		h.logger.Error("saga lookup failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) ListStuck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	olderThan := 10 * time.Minute
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid olderThan", http.StatusBadRequest)
			return
		}
		olderThan = d
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be 1..500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	stuck, err := h.repo.FindStuck(r.Context(), h.pool, cutoff, limit)
	if err != nil {
		h.logger.Error("list stuck sagas", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	suspended, err := h.repo.FindByState(r.Context(), h.pool, saga.StateSuspended, limit)
	if err != nil {
		h.logger.Error("list suspended sagas", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"stuck":     stuck,
		"suspended": suspended,
	})
}

type suspendRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Suspend parks a non-terminal saga so no reply or timeout advances it until
// an operator resumes it.
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req suspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "suspended by operator"
	}

	inst, err := h.repo.FindByID(r.Context(), h.pool, id)
	if errors.Is(err, saga.ErrNotFound) {
		http.Error(w, "saga not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("saga lookup failed", "saga_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if inst.IsTerminal() {
		http.Error(w, "saga is already terminal", http.StatusConflict)
		return
	}

	inst.Suspend(req.Reason)
	if err := h.repo.Update(r.Context(), h.pool, inst); err != nil {
		h.logger.Error("saga suspend failed", "saga_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Warn("saga suspended by operator", "saga_id", id, "reason", req.Reason)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id.String(), "state": string(saga.StateSuspended)})
}

type resumeRequest struct {
	ID string `json:"id"`
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	switch err := h.orchestrator.Resume(r.Context(), id); {
	case err == nil:
		state := ""
		if inst, lookupErr := h.repo.FindByID(r.Context(), h.pool, id); lookupErr == nil {
			state = string(inst.State)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id.String(), "state": state})
	case errors.Is(err, saga.ErrNotFound):
		http.Error(w, "saga not found", http.StatusNotFound)
	default:
		h.logger.Error("saga resume failed", "saga_id", id, "err", err)
		http.Error(w, err.Error(), http.StatusConflict)
	}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	states := []saga.State{
		saga.StateCreated, saga.StateRunning, saga.StateCompleted,
		saga.StateCompensating, saga.StateCompensated, saga.StateFailed, saga.StateSuspended,
	}
	counts := make(map[string]int64, len(states))
	for _, state := range states {
		n, err := h.repo.CountByState(r.Context(), h.pool, state)
		if err != nil {
			h.logger.Error("saga stats failed", "state", state, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		counts[string(state)] = n
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(counts)
}
