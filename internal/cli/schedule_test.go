package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/ir"
)

func TestSchedule_PassAndTasks(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "s.db")
	settings := writeSettings(t, dir, db, fastSettings)
	seedLibrary(t, settings)

	out, _, err := execute(t, NewScheduleCommand(&RootOptions{Format: "json"}), "--settings", settings, "--run-tasks", libraryConfig)
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   ScheduleResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Leased)
	assert.Equal(t, 1, resp.Data.Started)
	assert.Equal(t, 1, resp.Data.TasksRan)

	assert.Equal(t, ir.String("Beth"), loadBook(t, db).Fields["author_name"])
}

func TestSchedule_PassOnlyLeavesTasks(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "s.db")
	settings := writeSettings(t, dir, db, fastSettings)
	seedLibrary(t, settings)

	out, _, err := execute(t, NewScheduleCommand(&RootOptions{Format: "text"}), "--settings", settings, libraryConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Scheduler pass: 1 leased, 0 merged, 1 started, 0 requeued, 0 waiting")
	assert.NotContains(t, out, "deferred task(s) ran")

	assert.Equal(t, ir.String("Ann"), loadBook(t, db).Fields["author_name"], "cursor page not run yet")
}

func TestSchedule_YoungRequestsWait(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "s.db")
	settings := writeSettings(t, dir, db, "min_age: 1h\nenqueue_delay: 0s\n")
	seedLibrary(t, settings)

	out, _, err := execute(t, NewScheduleCommand(&RootOptions{Format: "text"}), "--settings", settings, libraryConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "0 started, 0 requeued, 1 waiting")
}

func TestSchedule_Drain(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "s.db")
	settings := writeSettings(t, dir, db, fastSettings)
	seedLibrary(t, settings)

	out, _, err := execute(t, NewScheduleCommand(&RootOptions{Format: "text"}), "--settings", settings, "--drain", libraryConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Queue drained")
	assert.Equal(t, ir.String("Beth"), loadBook(t, db).Fields["author_name"])
}
