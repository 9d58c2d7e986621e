package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE samples (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				sample_id TEXT,
				external_id TEXT,
				registry_code TEXT,
				client_name TEXT,
				sample_type TEXT,
				sample_format TEXT,
				sample_date TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				last_modified_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_synced_to_external_at TIMESTAMPTZ,
				last_synced_from_external_at TIMESTAMPTZ,
				sync_version INTEGER NOT NULL DEFAULT 0,
				origin TEXT NOT NULL DEFAULT 'local'
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_samples_registry_code ON samples(registry_code)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_samples_external_id ON samples(external_id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE sync_queue_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				sample_id INTEGER,
				external_id TEXT,
				registry_code TEXT,
				order_key TEXT NOT NULL,
				operation TEXT NOT NULL,
				direction TEXT NOT NULL,
				payload TEXT,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				last_error TEXT,
				next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				process_id TEXT,
				completed_at TIMESTAMPTZ
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}
		// Claiming scans pending items oldest first.
		_, err = db.Exec(`CREATE INDEX ix_sync_queue_items_status_id ON sync_queue_items(status, id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		// Per-sample ordering checks for earlier unfinished items.
		_, err = db.Exec(`CREATE INDEX ix_sync_queue_items_order_key ON sync_queue_items(order_key, id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE sync_metadata (
				id INTEGER PRIMARY KEY,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_webhook_at TIMESTAMPTZ,
				last_import_at TIMESTAMPTZ,
				last_sync_at TIMESTAMPTZ,
				import_in_progress BOOLEAN NOT NULL DEFAULT FALSE,
				import_total INTEGER NOT NULL DEFAULT 0,
				import_processed INTEGER NOT NULL DEFAULT 0,
				import_errors INTEGER NOT NULL DEFAULT 0,
				import_started_at TIMESTAMPTZ,
				last_import_error TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`INSERT INTO sync_metadata (id) VALUES (1)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE sync_conflicts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				sample_id INTEGER NOT NULL,
				external_id TEXT,
				registry_code TEXT,
				local_fields TEXT,
				external_fields TEXT,
				local_modified_at TIMESTAMPTZ NOT NULL,
				external_modified_at TIMESTAMPTZ NOT NULL,
				winner TEXT NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_sync_conflicts_sample_id ON sync_conflicts(sample_id)`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, stmt := range []string{
			`DROP TABLE IF EXISTS sync_conflicts`,
			`DROP TABLE IF EXISTS sync_metadata`,
			`DROP TABLE IF EXISTS sync_queue_items`,
			`DROP TABLE IF EXISTS samples`,
		} {
			if _, err := db.Exec(stmt); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
