package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20261001120000_create_services_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS services (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					name text NOT NULL,
					connector_type text NOT NULL,
					connector_extra_data text,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_services PRIMARY KEY (id),
					CONSTRAINT unique_services_name UNIQUE (name)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS services CASCADE",
			},
		},
	}

	appendMigration(m)
}
