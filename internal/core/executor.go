package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// RunStore persists command runs and their logs.
type RunStore interface {
	InsertRun(ctx context.Context, run *Run) error
	MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkRunCompleted(ctx context.Context, id string, status RunStatus, endedAt time.Time, exitCode *int, errMsg *string) error

	EnsureRunLogDir(runID string) error
	RunLogPath(runID string) string
	PruneOldRunLogs(ctx context.Context, taskID int64) error
}

// Executor runs the command behind a task execution.
type Executor interface {
	Execute(ctx context.Context, task *Task, def TaskDefinition) error
}

// CommandExecutor executes task commands through the shell and records their results.
type CommandExecutor struct {
	store  RunStore
	logger *slog.Logger
	// killGrace is the wait between SIGTERM and SIGKILL on timeout.
	killGrace time.Duration
}

// NewCommandExecutor creates a new executor.
func NewCommandExecutor(store RunStore, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{
		store:     store,
		logger:    logger,
		killGrace: 5 * time.Second,
	}
}

// Execute runs the command once. Anything but a zero exit is returned as an
// error so that the task aborts with it.
func (e *CommandExecutor) Execute(ctx context.Context, task *Task, def TaskDefinition) error {
	run := &Run{
		ID:          NewRunID(),
		TaskID:      task.ID(),
		TaskName:    task.Name(),
		Status:      RunStatusQueued,
		ScheduledAt: time.Now().UTC(),
	}
	// Bookkeeping outlives a cancelled task so the final status is still recorded.
	bg := context.WithoutCancel(ctx)
	if err := e.store.InsertRun(bg, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	defer func() {
		if err := e.store.PruneOldRunLogs(bg, run.TaskID); err != nil {
			e.logger.Warn("prune run logs", "task_id", run.TaskID, "err", err)
		}
	}()

	if err := e.store.EnsureRunLogDir(run.ID); err != nil {
		return fmt.Errorf("ensure run log dir: %w", err)
	}
	logFile, err := os.OpenFile(e.store.RunLogPath(run.ID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	out := &syncWriter{w: logFile}

	startedAt := time.Now().UTC()
	if err := e.store.MarkRunStarted(bg, run.ID, startedAt); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}

	timeout, err := def.Timeout.Duration()
	if err != nil {
		return fmt.Errorf("timeout: %w", err)
	}

	cmd := commandFor(def.Command)
	cmd.Dir = def.WorkingDir
	cmd.Env = append(os.Environ(), dataEnv(def.Data)...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf("failed to start command: %v", err)
		_ = e.store.MarkRunCompleted(bg, run.ID, RunStatusFailed, time.Now().UTC(), nil, &msg)
		return fmt.Errorf("start command: %w", err)
	}
	e.logger.Debug("command started", "task_id", run.TaskID, "run_id", run.ID, "pid", cmd.Process.Pid)

	var timedOut, canceled atomic.Bool
	done := make(chan struct{})
	var timeoutC <-chan time.Time
	if timeout > 0 {
		watchdog := time.NewTimer(timeout)
		defer watchdog.Stop()
		timeoutC = watchdog.C
	}
	go func() {
		select {
		case <-done:
			return
		case <-timeoutC:
			timedOut.Store(true)
			e.logger.Warn("task exceeded timeout, sending termination", "task_id", run.TaskID, "run_id", run.ID, "timeout", timeout)
		case <-ctx.Done():
			canceled.Store(true)
			e.logger.Info("task cancelled, terminating command", "task_id", run.TaskID, "run_id", run.ID)
		}
		sendTermination(cmd.Process)
		select {
		case <-done:
		case <-time.After(e.killGrace):
			_ = cmd.Process.Kill()
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	endedAt := time.Now().UTC()
	var (
		exitCode *int
		status   RunStatus
		errMsg   *string
		runErr   error
	)
	switch {
	case timedOut.Load():
		status = RunStatusTimedOut
		errMsg = ptrString("run timed out")
		runErr = fmt.Errorf("command timed out after %s", timeout)
	case canceled.Load():
		status = RunStatusCanceled
		errMsg = ptrString("run canceled")
		runErr = context.Cause(ctx)
	case waitErr == nil:
		status = RunStatusSucceeded
		code := 0
		exitCode = &code
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			exitCode = &code
			runErr = fmt.Errorf("command exited with code %d", code)
		} else {
			runErr = fmt.Errorf("wait command: %w", waitErr)
		}
		status = RunStatusFailed
		errMsg = ptrString(waitErr.Error())
	}
	if err := e.store.MarkRunCompleted(bg, run.ID, status, endedAt, exitCode, errMsg); err != nil {
		e.logger.Error("mark run completed", "run_id", run.ID, "err", err)
	}
	e.logger.Info("command finished", "task_id", run.TaskID, "run_id", run.ID, "status", status, "duration", endedAt.Sub(startedAt))
	return runErr
}

func commandFor(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command) // #nosec G204
	}
	return exec.Command("/bin/sh", "-c", command) // #nosec G204
}

// dataEnv exposes task data to the command as TASKERMAN_DATA_<KEY> variables.
func dataEnv(data map[string]any) []string {
	env := make([]string, 0, len(data))
	for _, k := range slices.Sorted(maps.Keys(data)) {
		env = append(env, fmt.Sprintf("TASKERMAN_DATA_%s=%v", strings.ToUpper(k), data[k]))
	}
	return env
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}

func ptrString(v string) *string {
	return &v
}
