package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"taskrun/internal/core"
)

type createTaskRequest struct {
	TaskID          string   `json:"task_id"`
	TaskType        string   `json:"task_type"`
	IntervalSeconds *int     `json:"interval_seconds"`
	CronExpression  *string  `json:"cron_expression"`
	ExecuteAt       *string  `json:"execute_at"`
	ScriptPath      string   `json:"script_path"`
	ScriptArgs      []string `json:"script_args"`
}

type taskResponse struct {
	TaskID          string   `json:"task_id"`
	TaskType        string   `json:"task_type"`
	IntervalSeconds *int     `json:"interval_seconds,omitempty"`
	CronExpression  *string  `json:"cron_expression,omitempty"`
	ExecuteAt       *string  `json:"execute_at,omitempty"`
	ScriptPath      string   `json:"script_path"`
	ScriptArgs      []string `json:"script_args"`
	Status          string   `json:"status"`
	NextRunTime     *string  `json:"next_run_time,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	task := &core.Task{
		ID:         strings.TrimSpace(req.TaskID),
		Type:       core.TaskType(strings.TrimSpace(req.TaskType)),
		ScriptPath: strings.TrimSpace(req.ScriptPath),
		ScriptArgs: req.ScriptArgs,
	}
	switch task.Type {
	case core.TaskTypeInterval:
		task.IntervalSeconds = req.IntervalSeconds
	case core.TaskTypeCron:
		task.CronExpression = req.CronExpression
	case core.TaskTypeDate:
		if req.ExecuteAt != nil {
			at, err := core.ParseTimestamp(*req.ExecuteAt, s.location)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
				return
			}
			task.ExecuteAt = &at
		}
	}

	if err := s.scheduler.Add(r.Context(), task); err != nil {
		var verr *core.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, "invalid_input", verr.Error())
		case errors.Is(err, core.ErrTaskExists):
			writeError(w, http.StatusConflict, "conflict", "task already exists: "+task.ID)
		default:
			s.logger.Error("create task", "task_id", task.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to create task")
		}
		return
	}

	writeJSON(w, http.StatusCreated, s.taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusActive, core.TaskStatusCompleted:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active or completed")
			return
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, s.taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := taskIDParam(r)
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found: "+taskID)
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := taskIDParam(r)
	if err := s.scheduler.Remove(r.Context(), taskID); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found: "+taskID)
		} else {
			s.logger.Error("delete task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task_id": taskID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"active_jobs": s.scheduler.ArmedCount(),
	})
}

// taskToResponse merges the live next fire time, when armed, into the
// persisted task view.
func (s *Server) taskToResponse(task *core.Task) taskResponse {
	res := taskResponse{
		TaskID:          task.ID,
		TaskType:        string(task.Type),
		IntervalSeconds: task.IntervalSeconds,
		CronExpression:  task.CronExpression,
		ScriptPath:      task.ScriptPath,
		ScriptArgs:      task.ScriptArgs,
		Status:          string(task.Status),
		CreatedAt:       task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if res.ScriptArgs == nil {
		res.ScriptArgs = []string{}
	}
	if task.ExecuteAt != nil {
		formatted := task.ExecuteAt.UTC().Format(time.RFC3339)
		res.ExecuteAt = &formatted
	}
	if info, ok := s.scheduler.Describe(task.ID); ok {
		formatted := info.NextFireTime.UTC().Format(time.RFC3339)
		res.NextRunTime = &formatted
	}
	return res
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
