// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package contentdb

import "context"

// schema is the full DDL of the store. Statements are idempotent so Migrate
// can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS contents (
		id              text PRIMARY KEY,
		type            text NOT NULL CHECK (type IN ('video', 'article')),
		title           text NOT NULL CHECK (length(title) BETWEEN 1 AND 1000),
		published_at    timestamptz NOT NULL,
		categories      jsonb NOT NULL DEFAULT '[]',
		source_provider text NOT NULL,
		metrics         jsonb NOT NULL,
		score           decimal(10,2) NOT NULL DEFAULT 0 CHECK (score >= 0),
		content_hash    text NOT NULL,
		version         bigint NOT NULL DEFAULT 1,
		created_at      timestamptz NOT NULL DEFAULT now(),
		updated_at      timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS contents_type_score_idx ON contents (type, score DESC)`,
	`CREATE INDEX IF NOT EXISTS contents_published_at_idx ON contents (published_at DESC)`,
	`CREATE INDEX IF NOT EXISTS contents_content_hash_idx ON contents (content_hash)`,
	`CREATE INDEX IF NOT EXISTS contents_updated_at_idx ON contents (updated_at)`,
	`CREATE INDEX IF NOT EXISTS contents_categories_idx ON contents USING GIN (categories)`,

	// updated_at and version are owned by the database so that two upserts
	// in the same physical instant still produce monotonic versions.
	`CREATE OR REPLACE FUNCTION contents_touch() RETURNS trigger AS $$
	BEGIN
		NEW.updated_at := now();
		IF current_setting('contentdb.pin_version', true) IS DISTINCT FROM 'on' THEN
			NEW.version := OLD.version + 1;
		ELSE
			NEW.version := OLD.version;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS contents_touch_trigger ON contents`,
	`CREATE TRIGGER contents_touch_trigger
		BEFORE UPDATE ON contents
		FOR EACH ROW EXECUTE FUNCTION contents_touch()`,

	`CREATE TABLE IF NOT EXISTS content_change_logs (
		id              uuid PRIMARY KEY,
		content_id      text NOT NULL,
		change_type     text NOT NULL CHECK (change_type IN ('created', 'updated')),
		previous_hash   text,
		new_hash        text NOT NULL,
		changed_fields  jsonb NOT NULL DEFAULT '[]',
		previous_score  decimal(10,2),
		new_score       decimal(10,2) NOT NULL,
		source_provider text NOT NULL,
		detected_at     timestamptz NOT NULL DEFAULT now(),
		sync_batch_id   uuid NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS content_change_logs_batch_content_idx
		ON content_change_logs (sync_batch_id, content_id)`,
	`CREATE INDEX IF NOT EXISTS content_change_logs_content_id_idx
		ON content_change_logs (content_id, detected_at DESC)`,

	`CREATE TABLE IF NOT EXISTS sync_batches (
		id               uuid PRIMARY KEY,
		started_at       timestamptz NOT NULL,
		completed_at     timestamptz,
		status           text NOT NULL CHECK (status IN ('running', 'succeeded', 'failed')),
		source_providers text[] NOT NULL DEFAULT '{}',
		items_fetched    int NOT NULL DEFAULT 0,
		items_created    int NOT NULL DEFAULT 0,
		items_updated    int NOT NULL DEFAULT 0,
		items_unchanged  int NOT NULL DEFAULT 0,
		rows_affected    int NOT NULL DEFAULT 0,
		error_message    text
	)`,
	`CREATE INDEX IF NOT EXISTS sync_batches_started_at_idx ON sync_batches (started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS scheduler_state (
		job_name text PRIMARY KEY,
		last_run timestamptz NOT NULL
	)`,
}

// Migrate applies the schema. Safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, stmt := range schema {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	db.log.Info("schema up to date")
	return nil
}
