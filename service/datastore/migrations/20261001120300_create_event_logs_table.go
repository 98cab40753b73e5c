package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20261001120300_create_event_logs_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS event_logs (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					backfill_run_id bigint NOT NULL,
					partition_id bigint,
					type text NOT NULL,
					message text NOT NULL,
					extra_data text,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_event_logs PRIMARY KEY (id),
					CONSTRAINT fk_event_logs_backfill_run_id_backfill_runs FOREIGN KEY (backfill_run_id) REFERENCES backfill_runs (id) ON DELETE CASCADE,
					CONSTRAINT fk_event_logs_partition_id_run_partitions FOREIGN KEY (partition_id) REFERENCES run_partitions (id) ON DELETE SET NULL,
					CONSTRAINT check_event_logs_type CHECK (type IN ('STATE_CHANGE', 'CONFIG_CHANGE', 'ERROR'))
				)`,
				"CREATE INDEX IF NOT EXISTS index_event_logs_on_backfill_run_id ON event_logs USING btree (backfill_run_id)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_event_logs_on_backfill_run_id CASCADE",
				"DROP TABLE IF EXISTS event_logs CASCADE",
			},
		},
	}

	appendMigration(m)
}
