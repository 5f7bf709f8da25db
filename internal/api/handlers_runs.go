package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"taskerman/internal/core"
	"taskerman/internal/store"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID          string         `json:"id"`
	TaskID      int64          `json:"task_id"`
	TaskName    string         `json:"task_name"`
	Status      core.RunStatus `json:"status"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	DurationMS  *int64         `json:"duration_ms,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// followPoll is how often a followed log is checked for new output.
const followPoll = 500 * time.Millisecond

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

// handleRunLog serves a run's combined output. ?tail=n limits it to the last
// n lines; ?follow=true keeps streaming until the run has finished.
func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow, _ := strconv.ParseBool(r.URL.Query().Get("follow"))

	text, err := s.store.ReadRunLog(run.ID, tail)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
			return
		}
		s.logger.Error("read run log", "run_id", run.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !follow || run.Status.Finished() {
		_, _ = io.WriteString(w, text)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	if text != "" {
		if text[len(text)-1] != '\n' {
			text += "\n"
		}
		_, _ = io.WriteString(w, text)
		flusher.Flush()
	}
	s.followRunLog(w, flusher, r, run)
}

// followRunLog streams bytes appended to the log after the initial read.
func (s *Server) followRunLog(w io.Writer, flusher http.Flusher, r *http.Request, run *core.Run) {
	file, err := os.Open(s.store.RunLogPath(run.ID))
	if err != nil {
		return
	}
	defer file.Close()
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		// Check the status first so output written just before the run ends is not lost.
		finished := run.Status.Finished()
		if !finished {
			if refreshed, err := s.store.GetRun(r.Context(), run.ID); err == nil {
				run = refreshed
				finished = run.Status.Finished()
			}
		}
		n, err := io.Copy(w, io.NewSectionReader(file, offset, 1<<62))
		if err != nil {
			return
		}
		if n > 0 {
			offset += n
			flusher.Flush()
		}
		if finished {
			return
		}
	}
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*core.Run, bool) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err == nil {
		return run, true
	}
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
	} else {
		s.logger.Error("get run", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
	}
	return nil, false
}

func runToResponse(run *core.Run) runResponse {
	resp := runResponse{
		ID:          run.ID,
		TaskID:      run.TaskID,
		TaskName:    run.TaskName,
		Status:      run.Status,
		ScheduledAt: run.ScheduledAt.UTC(),
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		ExitCode:    run.ExitCode,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt.UTC(),
	}
	if run.StartedAt != nil && run.EndedAt != nil {
		ms := run.EndedAt.Sub(*run.StartedAt).Milliseconds()
		resp.DurationMS = &ms
	}
	return resp
}
