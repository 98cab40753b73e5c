package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20261001120200_create_run_partitions_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS run_partitions (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					backfill_run_id bigint NOT NULL,
					partition_name text NOT NULL,
					partition_state text NOT NULL,
					lease_token text,
					lease_expires_at timestamp WITH time zone NOT NULL,
					pkey_cursor bytea,
					pkey_range_start bytea,
					pkey_range_end bytea,
					precomputing_pkey_cursor bytea,
					precomputing_done boolean NOT NULL DEFAULT FALSE,
					computed_scanned_record_count bigint NOT NULL DEFAULT 0,
					computed_matching_record_count bigint NOT NULL DEFAULT 0,
					backfilled_scanned_record_count bigint NOT NULL DEFAULT 0,
					backfilled_matching_record_count bigint NOT NULL DEFAULT 0,
					scanned_records_per_minute bigint,
					matching_records_per_minute bigint,
					version bigint NOT NULL DEFAULT 0,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					CONSTRAINT pk_run_partitions PRIMARY KEY (id),
					CONSTRAINT fk_run_partitions_backfill_run_id_backfill_runs FOREIGN KEY (backfill_run_id) REFERENCES backfill_runs (id) ON DELETE CASCADE,
					CONSTRAINT unique_run_partitions_backfill_run_id_and_partition_name UNIQUE (backfill_run_id, partition_name),
					CONSTRAINT check_run_partitions_partition_state CHECK (partition_state IN ('PAUSED', 'RUNNING', 'COMPLETE', 'STALE', 'CANCELLED'))
				)`,
				"CREATE INDEX IF NOT EXISTS index_run_partitions_on_partition_state_and_lease_expires_at ON run_partitions USING btree (partition_state, lease_expires_at)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_run_partitions_on_partition_state_and_lease_expires_at CASCADE",
				"DROP TABLE IF EXISTS run_partitions CASCADE",
			},
		},
	}

	appendMigration(m)
}
