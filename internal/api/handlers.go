package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/killswitch"
	"github.com/agentoverseer/overseer/internal/store"
)

// maxBody bounds JSON request bodies.
const maxBody = 64 << 10

// --- Tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), store.TaskFilter{
		Status: store.TaskStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, task)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.ListSteps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, map[string]any{"steps": steps})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.store.ListArtifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, map[string]any{"artifacts": arts})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeError(w, http.StatusNotImplemented, "pause control not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	req, ok := readJSON[pauseRequest](w, r)
	if !ok {
		return
	}
	s.pauses.PauseTask(id, nonEmpty(req.Reason, "requested via API"), killswitch.SourceAPI)
	writeJSON(w, map[string]string{"status": "pause_requested", "task_id": id})
}

// --- Human requests ---

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"pending": s.gate.Pending()})
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	req, ok := s.gate.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "human request not found")
		return
	}
	writeJSON(w, req)
}

type respondRequest struct {
	Response string `json:"response"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[respondRequest](w, r)
	if !ok {
		return
	}
	resp, err := s.gate.Resolve(r.Context(), chi.URLParam(r, "id"), req.Response)
	switch {
	case errors.Is(err, humangate.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, humangate.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

// --- Pause control ---

func (s *Server) handlePauseStatus(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeError(w, http.StatusNotImplemented, "pause control not configured")
		return
	}
	writeJSON(w, s.pauses.Status())
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeError(w, http.StatusNotImplemented, "pause control not configured")
		return
	}
	req, ok := readJSON[pauseRequest](w, r)
	if !ok {
		return
	}
	s.pauses.PauseAll(nonEmpty(req.Reason, "requested via API"), killswitch.SourceAPI)
	writeJSON(w, map[string]string{"status": "pause_requested"})
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeError(w, http.StatusNotImplemented, "pause control not configured")
		return
	}
	s.pauses.ResetAll()
	writeJSON(w, map[string]string{"status": "cleared"})
}

// --- Policy and audit ---

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		writeError(w, http.StatusNotImplemented, "policy store not configured")
		return
	}
	writeJSON(w, s.policy.Snapshot())
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		TaskID: r.URL.Query().Get("task_id"),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	ok, idx, err := s.store.VerifyAuditChain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"intact": ok, "first_broken": idx})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"pending_human":  len(s.gate.Pending()),
		"ws_subscribers": s.wsHub.ClientCount(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// readJSON decodes a bounded JSON body. An empty body yields the zero value.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if r.Body == nil || r.ContentLength == 0 {
		return v, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
