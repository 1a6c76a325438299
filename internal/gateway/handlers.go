package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/export"
	"github.com/kwrelay/kwrelay/internal/store"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Events        map[event.Status]int64 `json:"events"`
	ActiveSenders int                    `json:"active_senders"`
}

// handleHealth reports event counts and sender availability. Returns 503
// when no sender can ever become eligible again.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.store.CountByStatus(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}

		resp := HealthResponse{
			Status:        "ok",
			Events:        counts,
			ActiveSenders: s.accounts.ActiveCount(),
		}
		if resp.ActiveSenders == 0 {
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "degraded" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (s *Server) handleListEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := store.EventQuery{
			Tag: r.URL.Query().Get("tag"),
		}
		if st := r.URL.Query().Get("status"); st != "" {
			status := event.Status(st)
			if !status.Valid() {
				http.Error(w, "unknown status "+st, http.StatusBadRequest)
				return
			}
			q.Status = status
		}
		q.Limit = intParam(r, "limit", 100)
		q.Offset = intParam(r, "offset", 0)

		events, err := s.store.ListEvents(r.Context(), q)
		if err != nil {
			s.fail(w, err)
			return
		}
		if events == nil {
			events = []event.TargetEvent{}
		}
		writeJSON(w, events)
	}
}

func (s *Server) handleGetEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := eventID(w, r)
		if !ok {
			return
		}
		ev, err := s.store.GetEvent(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, ev)
	}
}

func (s *Server) handleEventAttempts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := eventID(w, r)
		if !ok {
			return
		}
		counts, err := s.store.AttemptsBySender(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, counts)
	}
}

func (s *Server) handleOverrideStatus() http.HandlerFunc {
	type request struct {
		Status event.Status `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := eventID(w, r)
		if !ok {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if !req.Status.Valid() {
			http.Error(w, "unknown status "+string(req.Status), http.StatusBadRequest)
			return
		}

		if err := s.store.OverrideStatus(r.Context(), id, req.Status); err != nil {
			s.fail(w, err)
			return
		}
		s.logger.Info("moderator status override", "event", id, "status", req.Status)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSetNote() http.HandlerFunc {
	type request struct {
		Note string `json:"note"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := eventID(w, r)
		if !ok {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		if err := s.store.SetNote(r.Context(), id, req.Note); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListAccounts() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.accounts.Accounts())
	}
}

func (s *Server) handleSuspend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.accounts.Suspend(r.Context(), id); err != nil {
			s.fail(w, err)
			return
		}
		s.logger.Warn("moderator suspended sender", "sender", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleReactivate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.accounts.Reactivate(r.Context(), id); err != nil {
			s.fail(w, err)
			return
		}
		s.logger.Info("moderator reactivated sender", "sender", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleExportEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.store.ListEvents(r.Context(), store.EventQuery{})
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
		if err := export.WriteEvents(w, events); err != nil {
			s.logger.Error("event export failed mid-stream", "error", err)
		}
	}
}

func (s *Server) handleExportAttempts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attempts, err := s.store.ListAttempts(r.Context(), 0)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="attempts.csv"`)
		if err := export.WriteAttempts(w, attempts); err != nil {
			s.logger.Error("attempt export failed mid-stream", "error", err)
		}
	}
}

// fail maps store errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("gateway request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func eventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
