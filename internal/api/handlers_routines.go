package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"taskerman/internal/core"
)

type startRoutineRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleCreateRoutine(w http.ResponseWriter, r *http.Request) {
	var def core.RoutineDefinition
	if !s.decodeBody(w, r, &def) {
		return
	}
	info, err := s.scheduler.CreateRoutine(r.Context(), def)
	if err != nil {
		s.writeCoreError(w, err, "create routine")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	routines := s.scheduler.ListRoutines()
	if routines == nil {
		routines = []core.RoutineInfo{}
	}
	writeJSON(w, http.StatusOK, routines)
}

func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "routineID")
	if !ok {
		return
	}
	info, err := s.scheduler.Routine(id)
	if err != nil {
		s.writeCoreError(w, err, "get routine")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleStartRoutine accepts the start index as ?index= or as a JSON body.
// An empty body starts from the first task.
func (s *Server) handleStartRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "routineID")
	if !ok {
		return
	}
	req := startRoutineRequest{Index: parseIntDefault(r.URL.Query().Get("index"), 0)}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if err := s.scheduler.StartRoutine(id, req.Index); err != nil {
		s.writeCoreError(w, err, "start routine")
		return
	}
	s.replyRoutine(w, id, "start routine")
}

func (s *Server) handleStopRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "routineID")
	if !ok {
		return
	}
	if err := s.scheduler.StopRoutine(id); err != nil {
		s.writeCoreError(w, err, "stop routine")
		return
	}
	s.replyRoutine(w, id, "stop routine")
}

func (s *Server) handleAbortRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "routineID")
	if !ok {
		return
	}
	if err := s.scheduler.AbortRoutine(id); err != nil {
		s.writeCoreError(w, err, "abort routine")
		return
	}
	s.replyRoutine(w, id, "abort routine")
}

func (s *Server) replyRoutine(w http.ResponseWriter, id int64, what string) {
	info, err := s.scheduler.Routine(id)
	if err != nil {
		s.writeCoreError(w, err, what)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}
