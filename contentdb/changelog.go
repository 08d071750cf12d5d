// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package contentdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ofurkanuygur/search-case-sub000/detect"
)

// ChangeLogEntry is the append-only audit record of one content change.
// Exactly one entry exists per (sync_batch_id, content_id) with a change
// type other than unchanged.
type ChangeLogEntry struct {
	ID             string
	ContentID      string
	ChangeType     detect.ChangeType
	PreviousHash   *string
	NewHash        string
	ChangedFields  []detect.FieldDelta
	PreviousScore  *decimal.Decimal
	NewScore       decimal.Decimal
	SourceProvider string
	DetectedAt     time.Time
	SyncBatchID    string
}

// AppendChangeLogs appends entries in a single transaction. The core never
// updates or deletes change-log rows.
func (db *DB) AppendChangeLogs(ctx context.Context, entries []ChangeLogEntry) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(entries) == 0 {
		return nil
	}

	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `
		INSERT INTO content_change_logs (
			id, content_id, change_type, previous_hash, new_hash,
			changed_fields, previous_score, new_score, source_provider,
			detected_at, sync_batch_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, entry := range entries {
		fields := entry.ChangedFields
		if fields == nil {
			fields = []detect.FieldDelta{}
		}
		changed, err := json.Marshal(fields)
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, query,
			entry.ID,
			entry.ContentID,
			string(entry.ChangeType),
			entry.PreviousHash,
			entry.NewHash,
			changed,
			entry.PreviousScore,
			entry.NewScore,
			entry.SourceProvider,
			entry.DetectedAt.UTC(),
			entry.SyncBatchID,
		)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	return Error.Wrap(tx.Commit())
}

// CountChangeLogs returns the number of change-log rows for a sync batch.
func (db *DB) CountChangeLogs(ctx context.Context, syncBatchID string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.GetContext(ctx, &count,
		`SELECT count(*) FROM content_change_logs WHERE sync_batch_id = $1`, syncBatchID)
	return count, Error.Wrap(err)
}
