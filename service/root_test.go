package service

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/backfila/backfila/service/datastore/migrations"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	pending  []string
	applied  []string
	statuses map[string]*migrations.MigrationStatus
	upN      []int
	downN    []int
}

func limitIDs(ids []string, n int) []string {
	if n > 0 && n < len(ids) {
		return ids[:n]
	}
	return ids
}

func (m *fakeMigrator) UpN(n int) (int, error) {
	m.upN = append(m.upN, n)
	return len(limitIDs(m.pending, n)), nil
}

func (m *fakeMigrator) UpNPlan(n int) ([]string, error) {
	return limitIDs(m.pending, n), nil
}

func (m *fakeMigrator) DownN(n int) (int, error) {
	m.downN = append(m.downN, n)
	return len(limitIDs(m.applied, n)), nil
}

func (m *fakeMigrator) DownNPlan(n int) ([]string, error) {
	return limitIDs(m.applied, n), nil
}

func (m *fakeMigrator) Version() (string, error) {
	if len(m.applied) == 0 {
		return "", nil
	}
	return m.applied[0], nil
}

func (m *fakeMigrator) Status() (map[string]*migrations.MigrationStatus, error) {
	return m.statuses, nil
}

func withFakeMigrator(t *testing.T, m Migrator) {
	t.Helper()

	orig := newMigrator
	newMigrator = func([]string) (Migrator, func() error, error) {
		return m, func() error { return nil }, nil
	}
	t.Cleanup(func() {
		newMigrator = orig
		dryRun, force, upToDateCheck, maxNumMigrations = false, false, false, nil
		for _, cmd := range []*cobra.Command{MigrateUpCmd, MigrateDownCmd, MigrateStatusCmd} {
			cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
		}
	})
}

func execute(t *testing.T, in string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetIn(strings.NewReader(in))
	RootCmd.SetArgs(args)
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetIn(nil)
		RootCmd.SetArgs(nil)
	})

	err := RootCmd.Execute()
	return out.String(), err
}

func TestMigrateUp(t *testing.T) {
	m := &fakeMigrator{pending: []string{"20261001120000_create_services_table", "20261001120100_create_backfill_runs_table"}}
	withFakeMigrator(t, m)

	out, err := execute(t, "", "database", "migrate", "up", "--limit", "1")
	require.NoError(t, err)
	require.Contains(t, out, "20261001120000_create_services_table")
	require.NotContains(t, out, "20261001120100_create_backfill_runs_table")
	require.Contains(t, out, "OK: applied 1 migration(s)")
	require.Equal(t, []int{1}, m.upN)
}

func TestMigrateUp_DryRun(t *testing.T) {
	m := &fakeMigrator{pending: []string{"20261001120000_create_services_table"}}
	withFakeMigrator(t, m)

	out, err := execute(t, "", "database", "migrate", "up", "--dry-run")
	require.NoError(t, err)
	require.Contains(t, out, "20261001120000_create_services_table")
	require.NotContains(t, out, "OK:")
	require.Empty(t, m.upN)
}

func TestMigrateUp_InvalidLimit(t *testing.T) {
	withFakeMigrator(t, &fakeMigrator{})

	_, err := execute(t, "", "database", "migrate", "up", "--limit", "0")
	require.EqualError(t, err, "limit must be greater than or equal to 1")
}

func TestMigrateDown(t *testing.T) {
	tcs := map[string]struct {
		args      []string
		input     string
		wantDownN []int
	}{
		"confirmed": {
			input:     "yes\n",
			wantDownN: []int{0},
		},
		"declined": {
			input: "n\n",
		},
		"forced": {
			args:      []string{"--force", "--limit", "1"},
			wantDownN: []int{1},
		},
		"dry run": {
			args: []string{"--dry-run", "--force"},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			m := &fakeMigrator{applied: []string{"20261001120100_create_backfill_runs_table", "20261001120000_create_services_table"}}
			withFakeMigrator(t, m)

			out, err := execute(t, tc.input, append([]string{"database", "migrate", "down"}, tc.args...)...)
			require.NoError(t, err)
			require.Contains(t, out, "20261001120100_create_backfill_runs_table")
			require.Equal(t, tc.wantDownN, m.downN)
		})
	}
}

func TestMigrateDown_ForceFromEnv(t *testing.T) {
	m := &fakeMigrator{applied: []string{"20261001120000_create_services_table"}}
	withFakeMigrator(t, m)
	t.Setenv("BACKFILA_MIGRATIONS_FORCE", "true")

	out, err := execute(t, "", "database", "migrate", "down")
	require.NoError(t, err)
	require.NotContains(t, out, "Are you sure?")
	require.Equal(t, []int{0}, m.downN)
}

func TestMigrateVersion(t *testing.T) {
	withFakeMigrator(t, &fakeMigrator{})
	out, err := execute(t, "", "database", "migrate", "version")
	require.NoError(t, err)
	require.Equal(t, "Unknown\n", out)

	withFakeMigrator(t, &fakeMigrator{applied: []string{"20261001120300_create_event_logs_table"}})
	out, err = execute(t, "", "database", "migrate", "version")
	require.NoError(t, err)
	require.Equal(t, "20261001120300_create_event_logs_table\n", out)
}

func TestMigrateStatus(t *testing.T) {
	appliedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	m := &fakeMigrator{statuses: map[string]*migrations.MigrationStatus{
		"20261001120000_create_services_table":      {AppliedAt: &appliedAt},
		"20261001120100_create_backfill_runs_table": {},
		"20250101000000_dropped":                    {Unknown: true, AppliedAt: &appliedAt},
	}}
	withFakeMigrator(t, m)

	out, err := execute(t, "", "database", "migrate", "status")
	require.NoError(t, err)
	require.Contains(t, out, "20250101000000_dropped (unknown)")
	require.Contains(t, out, appliedAt.String())
	require.Less(t, strings.Index(out, "20261001120000_create_services_table"), strings.Index(out, "20261001120100_create_backfill_runs_table"))

	out, err = execute(t, "", "database", "migrate", "status", "--up-to-date")
	require.NoError(t, err)
	require.Equal(t, "false\n", out)
}

func TestMigrate_ConfigurationError(t *testing.T) {
	_, err := execute(t, "", "database", "migrate", "version", "/does/not/exist.yml")
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "configuration error:"), err.Error())
}
