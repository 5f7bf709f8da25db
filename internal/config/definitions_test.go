package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskerman/internal/core"
)

const sampleDefinitions = `
tasks:
  - id: 1
    name: backup
    command: ./backup.sh
    working_dir: /srv
    timeout: 10m
    delay: 5000
    interval: 1h
    repeat: unbounded
    autostart: true
    data:
      target: s3
  - id: 2
    command: echo hi
    repeat: 2
    start_cron: "0 3 * * *"
routines:
  - id: 1
    name: nightly
    tasks: [1, 2]
    delay: 30s
    repeat: true
    times: 3
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(sampleDefinitions))
	require.NoError(t, err)
	require.Len(t, defs.Tasks, 2)
	require.Len(t, defs.Routines, 1)

	backup := defs.Tasks[0]
	assert.Equal(t, int64(1), backup.ID)
	assert.Equal(t, "backup", backup.Name)
	assert.Equal(t, "/srv", backup.WorkingDir)
	assert.Equal(t, core.Unbounded, backup.Repeat)
	assert.True(t, backup.Autostart)
	assert.Equal(t, "s3", backup.Data["target"])

	ms, err := backup.Delay.Millis()
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ms)
	ms, err = backup.Timeout.Millis()
	require.NoError(t, err)
	assert.Equal(t, int64(600_000), ms)

	assert.Equal(t, core.RepeatCount(2), defs.Tasks[1].Repeat)
	assert.Equal(t, "0 3 * * *", defs.Tasks[1].StartCron)

	r := defs.Routines[0]
	assert.Equal(t, []int64{1, 2}, r.Tasks)
	assert.True(t, r.Repeat)
	assert.Equal(t, 3, r.Times)
}

func TestParseDefinitionsErrors(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "tasks:\n  - id: 1\n    command: x\n    colour: red\n",
		"bad time":       "tasks:\n  - id: 1\n    command: x\n    delay: 30m2h\n",
		"missing id":     "tasks:\n  - command: x\n",
		"duplicate id":   "tasks:\n  - id: 1\n    command: x\n  - id: 1\n    command: y\n",
		"empty command":  "tasks:\n  - id: 1\n    command: '  '\n",
		"bad cron":       "tasks:\n  - id: 1\n    command: x\n    start_cron: nope\n",
		"empty routine":  "routines:\n  - id: 1\n    tasks: []\n",
		"negative times": "routines:\n  - id: 1\n    tasks: [1]\n    times: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseDefinitionsEmptyDocument(t *testing.T) {
	defs, err := ParseDefinitions(nil)
	require.NoError(t, err)
	assert.Empty(t, defs.Tasks)
}

func TestWatchDefinitionsReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks: []\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []core.Definitions
	)
	done := make(chan error, 1)
	go func() {
		done <- WatchDefinitions(ctx, path, nil, func(d core.Definitions) {
			mu.Lock()
			seen = append(seen, d)
			mu.Unlock()
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinitions), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && len(seen[len(seen)-1].Tasks) == 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
