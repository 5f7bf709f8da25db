package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskerman/internal/core"
)

var ErrDefinitionNotFound = errors.New("definition not found")

// SaveTaskDefinition inserts or replaces the stored definition of a task.
func (s *Store) SaveTaskDefinition(ctx context.Context, def core.TaskDefinition) error {
	specs := make([]any, 3)
	for i, spec := range []core.TimeSpec{def.Timeout, def.Delay, def.Interval} {
		v, err := encodeSpec(spec)
		if err != nil {
			return err
		}
		specs[i] = v
	}
	var data any
	if len(def.Data) > 0 {
		raw, err := json.Marshal(def.Data)
		if err != nil {
			return fmt.Errorf("encode task data: %w", err)
		}
		data = string(raw)
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_definitions (id, name, command, working_dir, timeout, delay, interval, repeat, start_cron, autostart, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, command = excluded.command, working_dir = excluded.working_dir,
			timeout = excluded.timeout, delay = excluded.delay, interval = excluded.interval,
			repeat = excluded.repeat, start_cron = excluded.start_cron, autostart = excluded.autostart,
			data = excluded.data, updated_at = excluded.updated_at
	`, def.ID, def.Name, def.Command, nullableEmpty(def.WorkingDir), specs[0], specs[1], specs[2],
		int(def.Repeat), nullableEmpty(def.StartCron), def.Autostart, data, now, now)
	if err != nil {
		return fmt.Errorf("save task definition: %w", err)
	}
	return nil
}

// DeleteTaskDefinition removes a stored task definition.
func (s *Store) DeleteTaskDefinition(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM task_definitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task definition: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

// SaveRoutineDefinition inserts or replaces the stored definition of a routine.
func (s *Store) SaveRoutineDefinition(ctx context.Context, def core.RoutineDefinition) error {
	tasks, err := json.Marshal(def.Tasks)
	if err != nil {
		return fmt.Errorf("encode routine tasks: %w", err)
	}
	delay, err := encodeSpec(def.Delay)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO routine_definitions (id, name, tasks, delay, repeat, times, autostart, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, tasks = excluded.tasks, delay = excluded.delay, repeat = excluded.repeat,
			times = excluded.times, autostart = excluded.autostart, updated_at = excluded.updated_at
	`, def.ID, def.Name, string(tasks), delay, def.Repeat, def.Times, def.Autostart, now, now)
	if err != nil {
		return fmt.Errorf("save routine definition: %w", err)
	}
	return nil
}

// LoadDefinitions returns every stored task and routine definition in id order.
func (s *Store) LoadDefinitions(ctx context.Context) (core.Definitions, error) {
	var defs core.Definitions
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, command, working_dir, timeout, delay, interval, repeat, start_cron, autostart, data
		FROM task_definitions
		ORDER BY id
	`)
	if err != nil {
		return defs, fmt.Errorf("query task definitions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		def, err := scanTaskDefinition(rows)
		if err != nil {
			return defs, err
		}
		defs.Tasks = append(defs.Tasks, def)
	}
	if err := rows.Err(); err != nil {
		return defs, err
	}

	rrows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, tasks, delay, repeat, times, autostart
		FROM routine_definitions
		ORDER BY id
	`)
	if err != nil {
		return defs, fmt.Errorf("query routine definitions: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		def, err := scanRoutineDefinition(rrows)
		if err != nil {
			return defs, err
		}
		defs.Routines = append(defs.Routines, def)
	}
	return defs, rrows.Err()
}

func scanTaskDefinition(scanner interface {
	Scan(dest ...any) error
}) (core.TaskDefinition, error) {
	var (
		def        core.TaskDefinition
		workingDir sql.NullString
		timeout    sql.NullString
		delay      sql.NullString
		interval   sql.NullString
		repeat     int
		startCron  sql.NullString
		data       sql.NullString
	)
	if err := scanner.Scan(&def.ID, &def.Name, &def.Command, &workingDir, &timeout, &delay, &interval,
		&repeat, &startCron, &def.Autostart, &data); err != nil {
		return def, fmt.Errorf("scan task definition: %w", err)
	}
	def.WorkingDir = workingDir.String
	def.StartCron = startCron.String
	def.Repeat = core.RepeatCount(repeat)
	for _, f := range []struct {
		raw  sql.NullString
		dest *core.TimeSpec
	}{{timeout, &def.Timeout}, {delay, &def.Delay}, {interval, &def.Interval}} {
		if err := decodeSpec(f.raw, f.dest); err != nil {
			return def, fmt.Errorf("task definition #%d: %w", def.ID, err)
		}
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &def.Data); err != nil {
			return def, fmt.Errorf("task definition #%d data: %w", def.ID, err)
		}
	}
	return def, nil
}

func scanRoutineDefinition(scanner interface {
	Scan(dest ...any) error
}) (core.RoutineDefinition, error) {
	var (
		def   core.RoutineDefinition
		tasks string
		delay sql.NullString
	)
	if err := scanner.Scan(&def.ID, &def.Name, &tasks, &delay, &def.Repeat, &def.Times, &def.Autostart); err != nil {
		return def, fmt.Errorf("scan routine definition: %w", err)
	}
	if err := json.Unmarshal([]byte(tasks), &def.Tasks); err != nil {
		return def, fmt.Errorf("routine definition #%d tasks: %w", def.ID, err)
	}
	if err := decodeSpec(delay, &def.Delay); err != nil {
		return def, fmt.Errorf("routine definition #%d: %w", def.ID, err)
	}
	return def, nil
}

// TimeSpecs are stored in their JSON form so expressions survive a round trip.
func encodeSpec(spec core.TimeSpec) (any, error) {
	if spec.IsZero() {
		return nil, nil
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode time spec: %w", err)
	}
	return string(raw), nil
}

func decodeSpec(raw sql.NullString, dest *core.TimeSpec) error {
	if !raw.Valid || raw.String == "" {
		*dest = core.TimeSpec{}
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dest)
}

func nullableEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
