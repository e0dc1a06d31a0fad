package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskrun/internal/core"
	"taskrun/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the scheduler over the Model Context Protocol on stdio.
type MCPServer struct {
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	return &MCPServer{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		location:  location,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"taskrun",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")

	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a scheduled task that runs an external script. Trigger kinds: interval (every N seconds), cron (5-field expression: minute hour day month weekday), date (once at a timestamp)."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Unique task identifier"),
		),
		mcp.WithString("task_type",
			mcp.Required(),
			mcp.Description("Trigger kind: interval, cron or date"),
			mcp.Enum("interval", "cron", "date"),
		),
		mcp.WithNumber("interval_seconds",
			mcp.Description("Seconds between fires (interval tasks)"),
			mcp.Min(1),
		),
		mcp.WithString("cron_expression",
			mcp.Description("5-field cron expression, e.g. '0 8 * * *' (cron tasks)"),
		),
		mcp.WithString("execute_at",
			mcp.Description("RFC 3339 timestamp of the single fire (date tasks)"),
		),
		mcp.WithString("script_path",
			mcp.Required(),
			mcp.Description("Path of the program to execute"),
		),
		mcp.WithString("script_args",
			mcp.Description("Space-separated arguments passed to the script"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List all tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by status: active or completed"),
			mcp.Enum("active", "completed"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get task details including the live next fire time"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and cancel its armed timer"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("task_history",
		mcp.WithDescription("Show execution history, most recent first"),
		mcp.WithString("task_id",
			mcp.Description("Task ID; omit for history across all tasks"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of records, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleHistory)

	mcpServer.AddTool(mcp.NewTool("history_purge",
		mcp.WithDescription("Delete execution history, all of it or one task's"),
		mcp.WithString("task_id",
			mcp.Description("Task ID; omit to purge everything"),
		),
	), s.handlePurgeHistory)

	mcpServer.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the upcoming fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("5-field cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times to return, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", 7)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := &core.Task{
		ID:         mcp.ParseString(request, "task_id", ""),
		Type:       core.TaskType(mcp.ParseString(request, "task_type", "")),
		ScriptPath: mcp.ParseString(request, "script_path", ""),
	}
	if args := strings.TrimSpace(mcp.ParseString(request, "script_args", "")); args != "" {
		task.ScriptArgs = strings.Fields(args)
	}

	switch task.Type {
	case core.TaskTypeInterval:
		if secs := mcp.ParseFloat64(request, "interval_seconds", 0); secs > 0 {
			interval := int(secs)
			task.IntervalSeconds = &interval
		}
	case core.TaskTypeCron:
		if expr := mcp.ParseString(request, "cron_expression", ""); expr != "" {
			task.CronExpression = &expr
		}
	case core.TaskTypeDate:
		if raw := mcp.ParseString(request, "execute_at", ""); raw != "" {
			at, err := core.ParseTimestamp(raw, s.location)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			task.ExecuteAt = &at
		}
	}

	if err := s.scheduler.Add(ctx, task); err != nil {
		if errors.Is(err, core.ErrTaskExists) {
			return mcp.NewToolResultError(fmt.Sprintf("task already exists: %s", task.ID)), nil
		}
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			return mcp.NewToolResultError(verr.Error()), nil
		}
		s.logger.Error("create task", "task_id", task.ID, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}

	next := "unknown"
	if info, ok := s.scheduler.Describe(task.ID); ok {
		next = formatTime(info.NextFireTime)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nType: %s\nNext fire: %s",
		task.ID, task.Type, next)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statusFilter *core.TaskStatus
	switch mcp.ParseString(request, "status", "") {
	case "active":
		status := core.TaskStatusActive
		statusFilter = &status
	case "completed":
		status := core.TaskStatusCompleted
		statusFilter = &status
	}

	tasks, err := s.store.ListTasks(ctx, statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s (%s, %s)\n", t.ID, t.Type, t.Status)
		fmt.Fprintf(&b, "  Script: %s %s\n", t.ScriptPath, strings.Join(t.ScriptArgs, " "))
		fmt.Fprintf(&b, "  Trigger: %s\n", describeTrigger(t))
		if info, ok := s.scheduler.Describe(t.ID); ok {
			fmt.Fprintf(&b, "  Next fire: %s\n", formatTime(info.NextFireTime))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Type: %s\n", task.Type)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Trigger: %s\n", describeTrigger(task))
	fmt.Fprintf(&b, "Script: %s %s\n", task.ScriptPath, strings.Join(task.ScriptArgs, " "))
	if info, ok := s.scheduler.Describe(task.ID); ok {
		fmt.Fprintf(&b, "Next fire: %s\n", formatTime(info.NextFireTime))
	}
	fmt.Fprintf(&b, "Created: %s\n", formatTime(task.CreatedAt))
	fmt.Fprintf(&b, "Updated: %s\n", formatTime(task.UpdatedAt))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	if err := s.scheduler.Remove(ctx, taskID); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		s.logger.Error("delete task", "task_id", taskID, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var taskID *string
	if id := mcp.ParseString(request, "task_id", ""); id != "" {
		taskID = &id
	}
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	if limit <= 0 {
		limit = 20
	}

	records, err := s.store.ListExecutions(ctx, taskID)
	if err != nil {
		s.logger.Error("list execution history", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list history: %v", err)), nil
	}
	if len(records) == 0 {
		return mcp.NewToolResultText("No execution records"), nil
	}
	if len(records) > limit {
		records = records[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d execution records:\n\n", len(records))
	for _, record := range records {
		fmt.Fprintf(&b, "#%d %s at %s (return code %d)\n",
			record.ID, record.TaskID, formatTime(record.ExecutedAt), record.ReturnCode)
		if out := strings.TrimSpace(record.Stdout); out != "" {
			fmt.Fprintf(&b, "  stdout: %s\n", truncateString(out, 200))
		}
		if errOut := strings.TrimSpace(record.Stderr); errOut != "" {
			fmt.Fprintf(&b, "  stderr: %s\n", truncateString(errOut, 200))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handlePurgeHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var taskID *string
	if id := mcp.ParseString(request, "task_id", ""); id != "" {
		taskID = &id
	}
	deleted, err := s.store.PurgeExecutions(ctx, taskID)
	if err != nil {
		s.logger.Error("purge history", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to purge history: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted %d execution records", deleted)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron", "")
	schedule, err := core.ParseCron(expr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}

	times := core.NextOccurrences(core.CronTriggerFromSchedule(schedule), time.Now().In(s.location), count)
	var b strings.Builder
	fmt.Fprintf(&b, "Next %d fires of %q:\n", len(times), expr)
	for _, t := range times {
		fmt.Fprintf(&b, "  %s\n", formatTime(t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func describeTrigger(task *core.Task) string {
	switch task.Type {
	case core.TaskTypeInterval:
		if task.IntervalSeconds != nil {
			return fmt.Sprintf("every %d seconds", *task.IntervalSeconds)
		}
	case core.TaskTypeCron:
		if task.CronExpression != nil {
			return fmt.Sprintf("cron %q", *task.CronExpression)
		}
	case core.TaskTypeDate:
		if task.ExecuteAt != nil {
			return fmt.Sprintf("once at %s", formatTime(*task.ExecuteAt))
		}
	}
	return string(task.Type)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
