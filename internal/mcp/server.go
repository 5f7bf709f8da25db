package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskerman/internal/core"
	"taskerman/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const serverVersion = "1.0.0"

// MCPServer exposes the scheduler as MCP tools.
type MCPServer struct {
	srv       *server.MCPServer
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(store *store.Store, scheduler *core.Scheduler, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		location:  scheduler.Location(),
	}
	s.srv = server.NewMCPServer(
		"taskerman",
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// HTTPHandler serves MCP over streamable HTTP.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv, server.WithEndpointPath("/mcp"))
}

func (s *MCPServer) registerTools() {
	taskID := mcp.WithNumber("task_id",
		mcp.Required(),
		mcp.Description("Task ID"),
	)
	routineID := mcp.WithNumber("routine_id",
		mcp.Required(),
		mcp.Description("Routine ID"),
	)

	s.srv.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a shell command task. Times accept milliseconds or expressions like '90s', '1h30m' or '1dd 12h'."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to run")),
		mcp.WithString("name", mcp.Description("Task name, defaults to 'Task <id>'")),
		mcp.WithString("working_dir", mcp.Description("Working directory for the command")),
		mcp.WithString("timeout", mcp.Description("Per-execution timeout, e.g. '10m'")),
		mcp.WithString("delay", mcp.Description("Wait before the first execution")),
		mcp.WithString("interval", mcp.Description("Wait between executions")),
		mcp.WithString("start_cron", mcp.Description("5-field cron expression for the first execution; excludes delay")),
		mcp.WithString("repeat", mcp.Description("Additional executions after the first, or 'unbounded'")),
		mcp.WithBoolean("autostart", mcp.Description("Start the task immediately")),
		mcp.WithObject("data", mcp.Description("Values exported to the command as TASKERMAN_DATA_* variables")),
	), s.handleCreateTask)

	s.srv.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by activity"),
			mcp.Enum(core.FilterActive, core.FilterInactive),
		),
		mcp.WithString("name", mcp.Description("Only tasks with this exact name")),
	), s.handleListTasks)

	s.srv.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show a task and its definition"),
		taskID,
	), s.handleGetTask)

	s.srv.AddTool(mcp.NewTool("task_start",
		mcp.WithDescription("Start a task cycle"),
		taskID,
	), s.taskAction("start", s.scheduler.StartTask))

	s.srv.AddTool(mcp.NewTool("task_stop",
		mcp.WithDescription("Stop a task; its repeat counter is reset"),
		taskID,
	), s.taskAction("stop", s.scheduler.StopTask))

	s.srv.AddTool(mcp.NewTool("task_abort",
		mcp.WithDescription("Abort a task and cancel a running command"),
		taskID,
	), s.taskAction("abort", s.scheduler.AbortTask))

	s.srv.AddTool(mcp.NewTool("task_remove",
		mcp.WithDescription("Stop and remove a task"),
		taskID,
	), s.handleRemoveTask)

	s.srv.AddTool(mcp.NewTool("task_runs",
		mcp.WithDescription("Show the run history of a task"),
		taskID,
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	s.srv.AddTool(mcp.NewTool("run_log",
		mcp.WithDescription("Show the output of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
		mcp.WithNumber("tail",
			mcp.Description("Only the last N lines"),
			mcp.Min(0),
		),
	), s.handleRunLog)

	s.srv.AddTool(mcp.NewTool("routine_create",
		mcp.WithDescription("Create a routine that runs tasks one after another"),
		mcp.WithArray("tasks",
			mcp.Required(),
			mcp.Description("Task IDs in execution order"),
			mcp.Items(map[string]any{"type": "number"}),
		),
		mcp.WithString("name", mcp.Description("Routine name")),
		mcp.WithString("delay", mcp.Description("Wait between passes")),
		mcp.WithBoolean("repeat", mcp.Description("Run further passes after the first")),
		mcp.WithNumber("times", mcp.Description("Pass limit when repeating, 0 for no limit")),
		mcp.WithBoolean("autostart", mcp.Description("Start the routine immediately")),
	), s.handleCreateRoutine)

	s.srv.AddTool(mcp.NewTool("routine_list",
		mcp.WithDescription("List routines"),
	), s.handleListRoutines)

	s.srv.AddTool(mcp.NewTool("routine_start",
		mcp.WithDescription("Start a routine"),
		routineID,
		mcp.WithNumber("index", mcp.Description("Position of the first task, default 0"), mcp.Min(0)),
	), s.handleStartRoutine)

	s.srv.AddTool(mcp.NewTool("routine_stop",
		mcp.WithDescription("Stop a routine after its current task"),
		routineID,
	), s.routineAction("stop", s.scheduler.StopRoutine))

	s.srv.AddTool(mcp.NewTool("routine_abort",
		mcp.WithDescription("Abort a routine and its current task"),
		routineID,
	), s.routineAction("abort", s.scheduler.AbortRoutine))

	s.srv.AddTool(mcp.NewTool("timespec_parse",
		mcp.WithDescription("Convert a time expression to milliseconds"),
		mcp.WithString("value", mcp.Required(), mcp.Description("Expression such as '1h30m' or a number of milliseconds")),
	), s.handleTimeSpecParse)

	s.srv.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next firing times of a 5-field cron expression"),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithNumber("count",
			mcp.Description("Number of times to return, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def core.TaskDefinition
	if err := bindArguments(request, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	detail, err := s.scheduler.CreateTask(ctx, def)
	if err != nil {
		return s.toolError("create task", err), nil
	}
	return mcp.NewToolResultText("Task created\n" + formatTaskDetail(detail)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.scheduler.ListTasks(core.TaskFilter{
		Status: mcp.ParseString(request, "status", ""),
		Name:   mcp.ParseString(request, "name", ""),
	})
	if err != nil {
		return s.toolError("list tasks", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		b.WriteString(formatTaskInfo(t))
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	detail, err := s.scheduler.Task(mcp.ParseInt64(request, "task_id", 0))
	if err != nil {
		return s.toolError("get task", err), nil
	}
	return mcp.NewToolResultText(formatTaskDetail(detail)), nil
}

func (s *MCPServer) taskAction(verb string, fn func(int64) error) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseInt64(request, "task_id", 0)
		if err := fn(id); err != nil {
			return s.toolError(verb+" task", err), nil
		}
		detail, err := s.scheduler.Task(id)
		if err != nil {
			return s.toolError(verb+" task", err), nil
		}
		return mcp.NewToolResultText(formatTaskInfo(detail.TaskInfo)), nil
	}
}

func (s *MCPServer) handleRemoveTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseInt64(request, "task_id", 0)
	if err := s.scheduler.RemoveTask(ctx, id); err != nil {
		return s.toolError("remove task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task #%d removed", id)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseInt64(request, "task_id", 0)
	limit := mcp.ParseInt(request, "limit", 20)

	runs, err := s.store.ListRuns(ctx, id, limit, 0)
	if err != nil {
		s.logger.Error("list runs", "task_id", id, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d run(s):\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "%s  %s\n", r.ID, r.Status)
		if r.StartedAt != nil {
			fmt.Fprintf(&b, "  started: %s\n", formatTime(r.StartedAt))
		}
		if r.EndedAt != nil {
			fmt.Fprintf(&b, "  ended: %s\n", formatTime(r.EndedAt))
		}
		if r.ExitCode != nil {
			fmt.Fprintf(&b, "  exit code: %d\n", *r.ExitCode)
		}
		if r.Error != nil {
			fmt.Fprintf(&b, "  error: %s\n", *r.Error)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}
	content, err := s.store.ReadRunLog(runID, mcp.ParseInt(request, "tail", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read log: %v", err)), nil
	}
	if content == "" {
		return mcp.NewToolResultText("(empty log)"), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleCreateRoutine(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def core.RoutineDefinition
	if err := bindArguments(request, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	info, err := s.scheduler.CreateRoutine(ctx, def)
	if err != nil {
		return s.toolError("create routine", err), nil
	}
	return mcp.NewToolResultText("Routine created\n" + formatRoutine(info)), nil
}

func (s *MCPServer) handleListRoutines(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	routines := s.scheduler.ListRoutines()
	if len(routines) == 0 {
		return mcp.NewToolResultText("No routines found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d routine(s):\n\n", len(routines))
	for _, r := range routines {
		b.WriteString(formatRoutine(r))
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleStartRoutine(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseInt64(request, "routine_id", 0)
	if err := s.scheduler.StartRoutine(id, mcp.ParseInt(request, "index", 0)); err != nil {
		return s.toolError("start routine", err), nil
	}
	return s.routineResult(id)
}

func (s *MCPServer) routineAction(verb string, fn func(int64) error) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseInt64(request, "routine_id", 0)
		if err := fn(id); err != nil {
			return s.toolError(verb+" routine", err), nil
		}
		return s.routineResult(id)
	}
}

func (s *MCPServer) routineResult(id int64) (*mcp.CallToolResult, error) {
	info, err := s.scheduler.Routine(id)
	if err != nil {
		return s.toolError("get routine", err), nil
	}
	return mcp.NewToolResultText(formatRoutine(info)), nil
}

func (s *MCPServer) handleTimeSpecParse(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	// Plain numbers are milliseconds, whether sent as JSON numbers or strings.
	raw := mcp.ParseArgument(request, "value", nil)
	switch v := raw.(type) {
	case float64:
		raw = int64(v)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			raw = n
		}
	}
	ms, err := core.ParseTimeSpec(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%d ms (%s)", ms, time.Duration(ms)*time.Millisecond)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")

	schedule, err := core.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	count := mcp.ParseInt(request, "count", 5)
	if count < 1 || count > 10 {
		count = 5
	}

	now := time.Now().In(s.location)
	nextTimes := core.NextOccurrences(schedule, now, count)

	var b strings.Builder
	fmt.Fprintf(&b, "Cron: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format(time.DateTime))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// toolError turns scheduler errors into tool errors. Unexpected failures are logged.
func (s *MCPServer) toolError(what string, err error) *mcp.CallToolResult {
	if !errors.Is(err, core.ErrNotFound) && !errors.Is(err, core.ErrInvalidState) && !errors.Is(err, core.ErrInvalidInput) {
		s.logger.Error(what, "err", err)
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", what, err))
}

// bindArguments decodes the tool arguments through the JSON tags of dst.
func bindArguments(request mcp.CallToolRequest, dst any) error {
	data, err := json.Marshal(request.GetArguments())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func formatTaskInfo(t core.TaskInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", t.ID, t.Name, t.Status)
	fmt.Fprintf(&b, "  repeat: %s, times left: %s\n", t.Repeat, t.TimesLeft)
	fmt.Fprintf(&b, "  delay: %s, interval: %s\n", t.Delay, t.Interval)
	fmt.Fprintf(&b, "  runs: %d\n", t.Runs)
	return b.String()
}

func formatTaskDetail(d core.TaskDetail) string {
	var b strings.Builder
	b.WriteString(formatTaskInfo(d.TaskInfo))
	fmt.Fprintf(&b, "  command: %s\n", d.Definition.Command)
	if d.Definition.WorkingDir != "" {
		fmt.Fprintf(&b, "  working dir: %s\n", d.Definition.WorkingDir)
	}
	if !d.Definition.Timeout.IsZero() {
		fmt.Fprintf(&b, "  timeout: %s\n", d.Definition.Timeout)
	}
	if d.Definition.StartCron != "" {
		fmt.Fprintf(&b, "  start cron: %s\n", d.Definition.StartCron)
	}
	return b.String()
}

func formatRoutine(r core.RoutineInfo) string {
	state := "idle"
	if r.Active {
		state = fmt.Sprintf("active at task %d", r.Current)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", r.ID, r.Name, state)
	fmt.Fprintf(&b, "  tasks: %v\n", r.TaskIDs)
	fmt.Fprintf(&b, "  passes: %d, repeat: %t, times: %d, delay: %s\n", r.Passes, r.Repeat, r.Times, r.Delay)
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateTime)
}
