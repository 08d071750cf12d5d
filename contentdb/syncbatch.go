// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package contentdb

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/zeebo/errs"
)

// BatchStatus is the lifecycle state of a sync batch.
type BatchStatus string

// Batch statuses. The machine is running -> succeeded | failed, terminal.
const (
	BatchRunning   BatchStatus = "running"
	BatchSucceeded BatchStatus = "succeeded"
	BatchFailed    BatchStatus = "failed"
)

// SyncBatch is the persisted record of one sync cycle.
type SyncBatch struct {
	ID              string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Status          BatchStatus
	SourceProviders []string
	ItemsFetched    int
	ItemsCreated    int
	ItemsUpdated    int
	ItemsUnchanged  int
	RowsAffected    int
	ErrorMessage    *string
}

// SaveSyncBatch persists a batch record, idempotent on id. The orchestrator
// calls it once with status running at cycle start and again with the
// terminal status at cycle end.
func (db *DB) SaveSyncBatch(ctx context.Context, batch SyncBatch) (err error) {
	defer mon.Task()(&ctx)(&err)

	providers := batch.SourceProviders
	if providers == nil {
		providers = []string{}
	}

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO sync_batches (
			id, started_at, completed_at, status, source_providers,
			items_fetched, items_created, items_updated, items_unchanged,
			rows_affected, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			completed_at    = EXCLUDED.completed_at,
			status          = EXCLUDED.status,
			source_providers = EXCLUDED.source_providers,
			items_fetched   = EXCLUDED.items_fetched,
			items_created   = EXCLUDED.items_created,
			items_updated   = EXCLUDED.items_updated,
			items_unchanged = EXCLUDED.items_unchanged,
			rows_affected   = EXCLUDED.rows_affected,
			error_message   = EXCLUDED.error_message
	`,
		batch.ID,
		batch.StartedAt.UTC(),
		nullableTime(batch.CompletedAt),
		string(batch.Status),
		pq.Array(providers),
		batch.ItemsFetched,
		batch.ItemsCreated,
		batch.ItemsUpdated,
		batch.ItemsUnchanged,
		batch.RowsAffected,
		batch.ErrorMessage,
	)
	return Error.Wrap(err)
}

// ListRecentBatches returns the latest sync batches, newest first. Feeds
// the dashboard surface.
func (db *DB) ListRecentBatches(ctx context.Context, limit int) (_ []SyncBatch, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 20
	}

	rows, err := db.db.QueryxContext(ctx, `
		SELECT id, started_at, completed_at, status, source_providers,
			items_fetched, items_created, items_updated, items_unchanged,
			rows_affected, error_message
		FROM sync_batches
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var batches []SyncBatch
	for rows.Next() {
		var batch SyncBatch
		var providers pq.StringArray
		var status string
		err := rows.Scan(
			&batch.ID, &batch.StartedAt, &batch.CompletedAt, &status,
			&providers, &batch.ItemsFetched, &batch.ItemsCreated,
			&batch.ItemsUpdated, &batch.ItemsUnchanged, &batch.RowsAffected,
			&batch.ErrorMessage,
		)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		batch.Status = BatchStatus(status)
		batch.SourceProviders = providers
		batches = append(batches, batch)
	}
	return batches, Error.Wrap(rows.Err())
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
