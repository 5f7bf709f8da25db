package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"taskerman/internal/core"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	// DelayMS is the wait from now until the first occurrence.
	DelayMS int64  `json:"delay_ms,omitempty"`
	Message string `json:"message,omitempty"`
}

type timeSpecRequest struct {
	Value core.TimeSpec `json:"value"`
}

type timeSpecResponse struct {
	Value    core.TimeSpec `json:"value"`
	Millis   int64         `json:"ms"`
	Duration string        `json:"duration"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}
	schedule, err := core.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}

	times := core.NextOccurrences(schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	resp := cronPreviewResponse{Valid: true, NextTimes: formatted}
	if len(times) > 0 {
		resp.DelayMS = times[0].Sub(base).Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTimeSpecParse normalises a time expression or millisecond count.
func (s *Server) handleTimeSpecParse(w http.ResponseWriter, r *http.Request) {
	var req timeSpecRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ms, err := req.Value.Millis()
	if err != nil {
		s.writeCoreError(w, err, "parse time spec")
		return
	}
	writeJSON(w, http.StatusOK, timeSpecResponse{
		Value:    req.Value,
		Millis:   ms,
		Duration: (time.Duration(ms) * time.Millisecond).String(),
	})
}
