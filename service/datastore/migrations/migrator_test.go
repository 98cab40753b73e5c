package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAll_SortedAndUnique(t *testing.T) {
	all := All()
	require.NotEmpty(t, all)

	seen := make(map[string]struct{}, len(all))
	for i, m := range all {
		require.NotEmpty(t, m.Up, m.Id)
		require.NotEmpty(t, m.Down, m.Id)
		if i > 0 {
			require.Less(t, all[i-1].Id, m.Id)
		}
		_, dup := seen[m.Id]
		require.False(t, dup, "duplicated migration %s", m.Id)
		seen[m.Id] = struct{}{}
	}
}

func TestAll_TablesCreatedBeforeReferenced(t *testing.T) {
	created := make(map[string]bool)
	for _, m := range All() {
		for _, stmt := range m.Up {
			if idx := strings.Index(stmt, "CREATE TABLE IF NOT EXISTS "); idx >= 0 {
				name := strings.Fields(stmt[idx+len("CREATE TABLE IF NOT EXISTS "):])[0]
				for _, ref := range []string{"services", "backfill_runs", "run_partitions"} {
					if strings.Contains(stmt, "REFERENCES "+ref+" ") {
						require.True(t, created[ref], "%s references %s before it is created", name, ref)
					}
				}
				created[name] = true
			}
		}
	}

	require.True(t, created["services"])
	require.True(t, created["backfill_runs"])
	require.True(t, created["run_partitions"])
	require.True(t, created["event_logs"])
}
