package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"taskerman/internal/core"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var def core.TaskDefinition
	if !s.decodeBody(w, r, &def) {
		return
	}
	detail, err := s.scheduler.CreateTask(r.Context(), def)
	if err != nil {
		s.writeCoreError(w, err, "create task")
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := core.TaskFilter{
		Status: r.URL.Query().Get("status"),
		Name:   r.URL.Query().Get("name"),
	}
	tasks, err := s.scheduler.ListTasks(filter)
	if err != nil {
		s.writeCoreError(w, err, "list tasks")
		return
	}
	if tasks == nil {
		tasks = []core.TaskInfo{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	s.scheduler.StartAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	detail, err := s.scheduler.Task(id)
	if err != nil {
		s.writeCoreError(w, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	if err := s.scheduler.RemoveTask(r.Context(), id); err != nil {
		s.writeCoreError(w, err, "delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "start task", s.scheduler.StartTask)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "stop task", s.scheduler.StopTask)
}

func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "abort task", s.scheduler.AbortTask)
}

// taskAction applies fn to the task in the URL and replies with its new state.
func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, what string, fn func(int64) error) {
	id, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		s.writeCoreError(w, err, what)
		return
	}
	detail, err := s.scheduler.Task(id)
	if err != nil {
		s.writeCoreError(w, err, what)
		return
	}
	writeJSON(w, http.StatusAccepted, detail)
}

// Run history outlives the task, so unknown ids simply yield an empty list.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.store.ListRuns(r.Context(), id, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// decodeBody decodes a JSON request body into dst. Time specs that fail to
// parse are reported as invalid_time rather than invalid_json.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, core.ErrTimeSyntax) {
			writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		}
		return false
	}
	return true
}

// writeCoreError maps scheduler errors onto HTTP statuses.
func (s *Server) writeCoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, core.ErrTimeSyntax):
		writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
	case errors.Is(err, core.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		s.logger.Error(what, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+what)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
