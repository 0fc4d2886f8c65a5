package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/glebarez/go-sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/retailpipe/internal/health"
	"github.com/rahul/retailpipe/internal/runner"
)

type testEnv struct {
	dir        string
	configPath string
	dbPath     string
	healthPath string
}

func newTestEnv(t *testing.T, steps string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "retailpipe.yaml"),
		dbPath:     filepath.Join(dir, "db", "retail_sales.db"),
		healthPath: filepath.Join(dir, "logs", "pipeline_health.json"),
	}
	cfg := fmt.Sprintf(`
app:
  workdir: %q
pipeline:
  shell: sh
  steps:
%s
monitoring:
  driver: sqlite
  dsn: %q
  schema_file: ""
health:
  file: %q
logging:
  level: error
  dir: %q
`, dir, steps, env.dbPath, env.healthPath, filepath.Join(dir, "logs"))
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o644))
	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedSales(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS sales_transactional (date TEXT, region TEXT, product_id TEXT, revenue REAL)`,
		`CREATE TABLE IF NOT EXISTS sales_aggregated (region TEXT, revenue REAL)`,
		`INSERT INTO sales_transactional VALUES ('2024-01-01', 'north', 'p1', 10)`,
		`INSERT INTO sales_aggregated VALUES ('north', 10)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

const okSteps = `    - name: extract
      command: "true"
    - name: load
      command: "echo loaded"`

func TestOnce_SuccessThenHistoryAndHealth(t *testing.T) {
	env := newTestEnv(t, okSteps)
	seedSales(t, env.dbPath)

	_, err := env.run(t, "once")
	require.NoError(t, err)

	rec, err := health.Read(env.healthPath)
	require.NoError(t, err)
	assert.Equal(t, health.StatusOK, rec.Status)
	assert.Equal(t, "Pipeline completed successfully.", rec.Message)

	out, err := env.run(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "OK"`)

	out, err = env.run(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "TRANSACTIONAL")
	assert.Contains(t, out, "OK")

	out, err = env.run(t, "history", "--json", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"transactional_rows": 1`)
}

func TestOnce_StepFailure(t *testing.T) {
	env := newTestEnv(t, `    - name: extract
      command: "true"
    - name: transform
      command: "exit 3"
    - name: load
      command: "touch loaded"`)

	_, err := env.run(t, "once")
	var failure *runner.StepFailure
	require.True(t, errors.As(err, &failure), "got %v", err)
	assert.Equal(t, "transform", failure.StepName)

	_, statErr := os.Stat(filepath.Join(env.dir, "loaded"))
	assert.True(t, os.IsNotExist(statErr), "load step must not run")

	rec, err := health.Read(env.healthPath)
	require.NoError(t, err)
	assert.Equal(t, health.StatusFail, rec.Status)
	assert.Equal(t, "Pipeline failed at transform", rec.Message)

	_, err = env.run(t, "health")
	assert.Error(t, err)
}

func TestHealth_Missing(t *testing.T) {
	env := newTestEnv(t, okSteps)
	_, err := env.run(t, "health")
	assert.ErrorContains(t, err, "no health record")
}

func TestConfig_Invalid(t *testing.T) {
	env := newTestEnv(t, `    - name: ""
      command: "true"`)
	_, err := env.run(t, "once")
	assert.Error(t, err)
}
