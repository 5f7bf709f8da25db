package core

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRunStore struct {
	dir    string
	mu     sync.Mutex
	runs   map[string]*Run
	pruned []int64
}

func newMemoryRunStore(t *testing.T) *memoryRunStore {
	return &memoryRunStore{dir: t.TempDir(), runs: map[string]*Run{}}
}

func (s *memoryRunStore) InsertRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memoryRunStore) MarkRunStarted(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id].Status = RunStatusRunning
	s.runs[id].StartedAt = &startedAt
	return nil
}

func (s *memoryRunStore) MarkRunCompleted(_ context.Context, id string, status RunStatus, endedAt time.Time, exitCode *int, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	r.Status = status
	r.EndedAt = &endedAt
	r.ExitCode = exitCode
	r.Error = errMsg
	return nil
}

func (s *memoryRunStore) EnsureRunLogDir(runID string) error {
	return os.MkdirAll(filepath.Join(s.dir, runID), 0o755)
}

func (s *memoryRunStore) RunLogPath(runID string) string {
	return filepath.Join(s.dir, runID, "output.log")
}

func (s *memoryRunStore) PruneOldRunLogs(_ context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, taskID)
	return nil
}

// only returns the single recorded run.
func (s *memoryRunStore) only(t *testing.T) *Run {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.runs, 1)
	for _, r := range s.runs {
		return r
	}
	return nil
}

func (s *memoryRunStore) output(t *testing.T, runID string) string {
	t.Helper()
	b, err := os.ReadFile(s.RunLogPath(runID))
	require.NoError(t, err)
	return string(b)
}

func newExecTask(t *testing.T, name string) *Task {
	t.Helper()
	task, err := NewTask(func(context.Context, map[string]any) error { return nil }, TaskOptions{
		Name:  name,
		Clock: NewManualClock(epoch),
	})
	require.NoError(t, err)
	return task
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
}

func TestCommandExecutorSuccess(t *testing.T) {
	skipOnWindows(t)
	store := newMemoryRunStore(t)
	exec := NewCommandExecutor(store, nil)
	task := newExecTask(t, "greet")

	err := exec.Execute(context.Background(), task, TaskDefinition{Command: "echo hello; echo oops >&2"})
	require.NoError(t, err)

	run := store.only(t)
	assert.Equal(t, RunStatusSucceeded, run.Status)
	assert.Equal(t, task.ID(), run.TaskID)
	assert.Equal(t, "greet", run.TaskName)
	require.NotNil(t, run.ExitCode)
	assert.Zero(t, *run.ExitCode)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.EndedAt)
	assert.Nil(t, run.Error)
	assert.Equal(t, []int64{task.ID()}, store.pruned)

	out := store.output(t, run.ID)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "oops")
}

func TestCommandExecutorExitCode(t *testing.T) {
	skipOnWindows(t)
	store := newMemoryRunStore(t)
	exec := NewCommandExecutor(store, nil)

	err := exec.Execute(context.Background(), newExecTask(t, "fail"), TaskDefinition{Command: "exit 3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")

	run := store.only(t)
	assert.Equal(t, RunStatusFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 3, *run.ExitCode)
	require.NotNil(t, run.Error)
}

func TestCommandExecutorDataAndWorkingDir(t *testing.T) {
	skipOnWindows(t)
	store := newMemoryRunStore(t)
	exec := NewCommandExecutor(store, nil)
	dir := t.TempDir()

	err := exec.Execute(context.Background(), newExecTask(t, "env"), TaskDefinition{
		Command:    `echo "$TASKERMAN_DATA_TARGET $TASKERMAN_DATA_COUNT"; pwd`,
		WorkingDir: dir,
		Data:       map[string]any{"target": "backup", "count": 2},
	})
	require.NoError(t, err)

	out := store.output(t, store.only(t).ID)
	assert.Contains(t, out, "backup 2")
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, out, resolved)
}

func TestCommandExecutorTimeout(t *testing.T) {
	skipOnWindows(t)
	store := newMemoryRunStore(t)
	exec := NewCommandExecutor(store, nil)
	exec.killGrace = 100 * time.Millisecond

	start := time.Now()
	err := exec.Execute(context.Background(), newExecTask(t, "slow"), TaskDefinition{
		Command: "exec sleep 10",
		Timeout: Millis(200),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)

	run := store.only(t)
	assert.Equal(t, RunStatusTimedOut, run.Status)
	assert.Nil(t, run.ExitCode)
}

func TestCommandExecutorCancel(t *testing.T) {
	skipOnWindows(t)
	store := newMemoryRunStore(t)
	exec := NewCommandExecutor(store, nil)
	exec.killGrace = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := exec.Execute(ctx, newExecTask(t, "cancelled"), TaskDefinition{Command: "exec sleep 10"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RunStatusCanceled, store.only(t).Status)
}

func TestCommandExecutorMissingWorkingDir(t *testing.T) {
	skipOnWindows(t)
	store := newMemoryRunStore(t)
	exec := NewCommandExecutor(store, nil)

	err := exec.Execute(context.Background(), newExecTask(t, "nowhere"), TaskDefinition{
		Command:    "true",
		WorkingDir: filepath.Join(t.TempDir(), "missing"),
	})
	require.Error(t, err)
	run := store.only(t)
	assert.Equal(t, RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.True(t, strings.HasPrefix(*run.Error, "failed to start command"))
}

func TestDataEnvSortedAndUppercased(t *testing.T) {
	env := dataEnv(map[string]any{"b": true, "a": "x"})
	assert.Equal(t, []string{"TASKERMAN_DATA_A=x", "TASKERMAN_DATA_B=true"}, env)
	assert.Empty(t, dataEnv(nil))
}
