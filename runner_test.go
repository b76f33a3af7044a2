package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInsert(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			cfg := newTestConfig(t, driver)
			cfg.Workload = workloadInsert

			var out bytes.Buffer
			runner, err := NewRunner(cfg, &out)
			require.NoError(t, err)

			report, err := runner.Run(context.Background())
			require.NoError(t, err)
			require.NoError(t, report.Err())

			assert.Equal(t, 2, report.Worker)
			assert.Equal(t, 2, report.Success)
			assert.Zero(t, report.Error)
			assert.EqualValues(t, 200, report.Rows)
			assert.Equal(t, 200, report.Inserts)
			assert.Len(t, report.Results, 2)

			assert.Equal(t, 2, strings.Count(out.String(), "transaction successfully completed"))
			assert.Contains(t, out.String(), "Worker 0: transaction successfully completed")
			assert.Contains(t, out.String(), "Worker 1: transaction successfully completed")
			assert.Contains(t, out.String(), "All transactions completed successfully")
			assert.Contains(t, out.String(), "success: 2, error: 0")

			db, err := Open(context.Background(), cfg)
			require.NoError(t, err)
			defer db.Close()
			for i := 0; i < cfg.Tables; i++ {
				assert.Equal(t, cfg.SeedRows+100, countTestRows(t, db, tableName(i)))
			}
		})
	}
}

func TestRunStress(t *testing.T) {
	cfg := newTestConfig(t, driverSQLite3)
	cfg.Workload = workloadStress
	cfg.Workers = 4
	cfg.Tables = 5

	var out bytes.Buffer
	runner, err := NewRunner(cfg, &out)
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, 4, report.Success)
	assert.Equal(t, 4, strings.Count(out.String(), "transaction successfully completed"))
	for _, res := range report.Results {
		assert.GreaterOrEqual(t, res.Ops(), 3)
		assert.LessOrEqual(t, res.Ops(), 7)
	}
	assert.EqualValues(t, report.Inserts, report.Rows)
}

func TestRunSetupOnly(t *testing.T) {
	cfg := newTestConfig(t, driverSQLite)

	var out bytes.Buffer
	runner, err := NewRunner(cfg, &out)
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Empty(t, out.String())
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := newTestConfig(t, driverSQLite)
	cfg.Workload = workloadInsert
	cfg.Workers = 3

	_, err := NewRunner(cfg, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestReport(t *testing.T) {
	results := []Result{
		{Worker: 0, Commands: 5, Inserts: 3, Selects: 2, Rows: 3, Duration: time.Second},
		{Worker: 1, Commands: 4, Inserts: 1, Err: errors.New("boom")},
		{Worker: 2, Commands: 3, Updates: 3, Duration: 2 * time.Second},
	}

	r := newReport("run", workloadStress, 2*time.Second, results)
	assert.Equal(t, 3, r.Worker)
	assert.Equal(t, 2, r.Success)
	assert.Equal(t, 1, r.Error)
	assert.Equal(t, 3, r.Inserts)
	assert.Equal(t, 2, r.Selects)
	assert.Equal(t, 3, r.Updates)
	assert.EqualValues(t, 3, r.Rows)

	err := r.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errWorkersFailed))
	assert.Contains(t, err.Error(), "1 of 3 workers")

	s := r.String()
	assert.Contains(t, s, "workload: stress")
	assert.Contains(t, s, "success: 2, error: 1")
	assert.Contains(t, s, "max: 2.000s")

	none := newReport("run", workloadInsert, time.Second, []Result{{Err: errors.New("boom")}})
	assert.NotContains(t, none.String(), "p50")
}

func TestInsertCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmd.db")

	cmd := newInsertCommand()
	cmd.SetArgs([]string{
		"--driver", driverSQLite3,
		"--sqlite-path", path,
		"--tables", "2",
		"--seed-rows", "10",
		"--seed", "1",
		"-w", "2",
		"-n", "20",
		"-b", "5",
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "workload: insert-batch")
	assert.Equal(t, 2, strings.Count(out.String(), "transaction successfully completed"))

	cfg := newTestConfig(t, driverSQLite3)
	cfg.SQLite.Path = path
	db, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 30, countTestRows(t, db, tableName(0)))
	assert.Equal(t, 30, countTestRows(t, db, tableName(1)))
}

func TestCommandFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pgload.toml")
	err := os.WriteFile(file, []byte(`
driver = "sqlite3"
tables = 3
seed-rows = 7
commands = 1000

[sqlite]
path = "`+filepath.ToSlash(filepath.Join(dir, "file.db"))+`"
`), 0o644)
	require.NoError(t, err)

	cmd := newInsertCommand()
	cmd.SetArgs([]string{"-c", file, "-n", "3", "-w", "1"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Equal(t, 1, strings.Count(out.String(), "transaction successfully completed"))
	assert.Contains(t, out.String(), "starting transaction with 3 commands")

	cfg := newTestConfig(t, driverSQLite3)
	cfg.SQLite.Path = filepath.Join(dir, "file.db")
	db, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 10, countTestRows(t, db, tableName(0)))
	assert.Equal(t, 7, countTestRows(t, db, tableName(2)))
}

func TestParseLogLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "", "warn", "error"} {
		_, err := parseLogLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := parseLogLevel("loud")
	assert.Error(t, err)
}

func TestRootCommandDocumentsExitStatus(t *testing.T) {
	cmd := newRootCommand()
	assert.Contains(t, cmd.Long, "Exit status")
	assert.Contains(t, cmd.Long, "2  at least one worker transaction failed")

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"setup", "insert", "stress"}, names)
}
