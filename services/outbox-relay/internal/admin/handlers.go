// Package admin exposes the operational surface of the relay: inspecting
// failed outbox rows and resetting them for another delivery attempt.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/mannapay/eventcore/events/outbox"
)

type Handler struct {
	svc    *outbox.Service
	repo   *outbox.Repository
	logger *slog.Logger
}

func New(svc *outbox.Service, repo *outbox.Repository, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, repo: repo, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/outbox/failed", h.ListFailed)
	mux.HandleFunc("/admin/outbox/retry", h.Retry)
	mux.HandleFunc("/admin/outbox/stats", h.Stats)
}

type failedRow struct {
	ID            string `json:"id"`
	EventType     string `json:"eventType"`
	AggregateType string `json:"aggregateType"`
	AggregateID   string `json:"aggregateId"`
	Topic         string `json:"topic"`
	RetryCount    int    `json:"retryCount"`
	LastError     string `json:"lastError"`
	CreatedAt     string `json:"createdAt"`
}

func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
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

	events, err := h.repo.FindFailed(r.Context(), limit)
	if err != nil {
		h.logger.Error("list failed outbox events", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rows := make([]failedRow, 0, len(events))
	for i := range events {
		e := &events[i]
		rows = append(rows, failedRow{
			ID:            e.ID.String(),
			EventType:     e.EventType,
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			Topic:         e.Topic,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt.Format("2006-01-02T15:04:05.000Z"),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": rows})
}

type retryRequest struct {
	ID string `json:"id"`
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	switch err := h.svc.RetryFailedEvent(r.Context(), id); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id.String(), "status": "PENDING"})
	case errors.Is(err, outbox.ErrNotFound):
		http.Error(w, "outbox event not found", http.StatusNotFound)
	case errors.Is(err, outbox.ErrNotFailed):
		http.Error(w, "outbox event is not FAILED", http.StatusConflict)
	default:
		h.logger.Error("retry outbox event", "outbox_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pending, err := h.svc.PendingCount(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	failed, err := h.svc.FailedCount(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"pending": pending, "failed": failed})
}
