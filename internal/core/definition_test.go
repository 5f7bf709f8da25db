package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"
)

func TestTaskDefinitionValidate(t *testing.T) {
	def := TaskDefinition{Name: "  backup ", Command: "  tar czf x.tgz . ", StartCron: " 0 3 * * * "}
	require.NoError(t, def.Validate())
	assert.Equal(t, "backup", def.Name)
	assert.Equal(t, "tar czf x.tgz .", def.Command)
	assert.Equal(t, "0 3 * * *", def.StartCron)

	cases := map[string]TaskDefinition{
		"negative id":     {ID: -1, Command: "x"},
		"no command":      {Command: "   "},
		"bad repeat":      {Command: "x", Repeat: -2},
		"bad timeout":     {Command: "x", Timeout: Expr("soon")},
		"bad interval":    {Command: "x", Interval: Expr("10x")},
		"delay with cron": {Command: "x", Delay: Expr("1m"), StartCron: "* * * * *"},
		"bad cron":        {Command: "x", StartCron: "every day"},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, def.Validate())
		})
	}
}

func TestRoutineDefinitionValidate(t *testing.T) {
	require.NoError(t, (&RoutineDefinition{Tasks: []int64{1}}).Validate())
	assert.Error(t, (&RoutineDefinition{}).Validate())
	assert.Error(t, (&RoutineDefinition{ID: -3, Tasks: []int64{1}}).Validate())
	assert.Error(t, (&RoutineDefinition{Tasks: []int64{1}, Times: -1}).Validate())
	assert.Error(t, (&RoutineDefinition{Tasks: []int64{1}, Delay: Expr("2 weeks")}).Validate())
}

func TestDefinitionsValidate(t *testing.T) {
	defs := Definitions{
		Tasks: []TaskDefinition{
			{ID: 1, Command: "a"},
			{ID: 1, Command: "b"},
			{Command: "c"},
		},
		Routines: []RoutineDefinition{
			{ID: 1, Tasks: []int64{1}},
			{ID: 1, Tasks: []int64{1}},
		},
	}
	err := defs.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tasks[1]: duplicate id 1")
	assert.Contains(t, err.Error(), "tasks[2]: id is required")
	assert.Contains(t, err.Error(), "routines[1]: duplicate id 1")
}

func TestDefinitionsDecode(t *testing.T) {
	const doc = `
tasks:
  - id: 10
    name: heartbeat
    command: curl -fsS https://example.com/ping
    delay: 30s
    interval: 5m
    repeat: unbounded
    autostart: true
    data:
      region: eu
routines:
  - id: 1
    tasks: [10]
    delay: 1h
    repeat: true
    times: 3
`
	var defs Definitions
	require.NoError(t, yaml.Unmarshal([]byte(doc), &defs))
	require.NoError(t, defs.Validate())
	require.Len(t, defs.Tasks, 1)

	task := defs.Tasks[0]
	assert.Equal(t, Unbounded, task.Repeat)
	interval, err := task.Interval.Millis()
	require.NoError(t, err)
	assert.EqualValues(t, 5*60*1000, interval)
	assert.Equal(t, "eu", task.Data["region"])
	assert.Equal(t, []int64{10}, defs.Routines[0].Tasks)

	out, err := json.Marshal(task)
	require.NoError(t, err)
	var back TaskDefinition
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, task.Command, back.Command)
	assert.Equal(t, Unbounded, back.Repeat)
}
