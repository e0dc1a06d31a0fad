package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"taskrun/internal/core"

	"github.com/go-chi/chi/v5"
)

type executionResponse struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	ExecutedAt string `json:"executed_at"`
	ReturnCode int    `json:"return_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// handleTaskHistory serves a task's execution records. Records outlive their
// task, so history stays reachable after deletion; 404 is reserved for IDs
// with neither a task row nor any records.
func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := taskIDParam(r)
	records, err := s.store.ListExecutions(r.Context(), &taskID)
	if err != nil {
		s.logger.Error("list execution history", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list history")
		return
	}
	if len(records) == 0 {
		if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
			if errors.Is(err, core.ErrTaskNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "task not found: "+taskID)
			} else {
				s.logger.Error("get task for history", "task_id", taskID, "err", err)
				writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
			}
			return
		}
	}
	writeRecords(w, records)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, nil)
}

func (s *Server) handlePurgeHistory(w http.ResponseWriter, r *http.Request) {
	var taskID *string
	if id := strings.TrimSpace(r.URL.Query().Get("task_id")); id != "" {
		taskID = &id
	}
	deleted, err := s.store.PurgeExecutions(r.Context(), taskID)
	if err != nil {
		s.logger.Error("purge history", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to purge history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, taskID *string) {
	records, err := s.store.ListExecutions(r.Context(), taskID)
	if err != nil {
		s.logger.Error("list execution history", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list history")
		return
	}
	writeRecords(w, records)
}

func writeRecords(w http.ResponseWriter, records []*core.ExecutionRecord) {
	res := make([]executionResponse, 0, len(records))
	for _, record := range records {
		res = append(res, executionResponse{
			ID:         record.ID,
			TaskID:     record.TaskID,
			ExecutedAt: record.ExecutedAt.UTC().Format(time.RFC3339),
			ReturnCode: record.ReturnCode,
			Stdout:     record.Stdout,
			Stderr:     record.Stderr,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func taskIDParam(r *http.Request) string {
	return chi.URLParam(r, "taskID")
}
