package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20261001120100_create_backfill_runs_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS backfill_runs (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					service_id bigint NOT NULL,
					backfill_name text NOT NULL,
					state text NOT NULL,
					batch_size bigint NOT NULL,
					scan_size bigint NOT NULL,
					num_threads integer NOT NULL,
					dry_run boolean NOT NULL DEFAULT TRUE,
					parameters jsonb NOT NULL DEFAULT '{}',
					backoff_schedule bigint[],
					extra_sleep_ms bigint NOT NULL DEFAULT 0,
					version bigint NOT NULL DEFAULT 0,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					completed_at timestamp WITH time zone,
					CONSTRAINT pk_backfill_runs PRIMARY KEY (id),
					CONSTRAINT fk_backfill_runs_service_id_services FOREIGN KEY (service_id) REFERENCES services (id) ON DELETE CASCADE,
					CONSTRAINT check_backfill_runs_state CHECK (state IN ('PAUSED', 'RUNNING', 'COMPLETE', 'CANCELLED')),
					CONSTRAINT check_backfill_runs_num_threads_positive CHECK (num_threads > 0),
					CONSTRAINT check_backfill_runs_batch_size_positive CHECK (batch_size > 0)
				)`,
				"CREATE INDEX IF NOT EXISTS index_backfill_runs_on_service_id ON backfill_runs USING btree (service_id)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_backfill_runs_on_service_id CASCADE",
				"DROP TABLE IF EXISTS backfill_runs CASCADE",
			},
		},
	}

	appendMigration(m)
}
