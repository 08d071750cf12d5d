// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package contentdb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ofurkanuygur/search-case-sub000/content"
)

// BulkResult summarizes a bulk write.
type BulkResult struct {
	Total        int
	Success      int
	Failed       int
	RowsAffected int64
	FailedIDs    []string
	Elapsed      time.Duration
}

// ScoreUpdate pairs a content id with its recomputed score.
type ScoreUpdate struct {
	ID    string
	Score decimal.Decimal
}

const upsertSQL = `
	INSERT INTO contents (
		id, type, title, published_at, categories, source_provider,
		metrics, score, content_hash
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		type            = EXCLUDED.type,
		title           = EXCLUDED.title,
		published_at    = EXCLUDED.published_at,
		categories      = EXCLUDED.categories,
		source_provider = EXCLUDED.source_provider,
		metrics         = EXCLUDED.metrics,
		score           = EXCLUDED.score,
		content_hash    = EXCLUDED.content_hash
`

const selectContentSQL = `
	SELECT id, type, title, published_at, categories, source_provider,
		metrics, score, content_hash, version, created_at, updated_at
	FROM contents
`

// GetByIDs returns the stored records for the given ids. Missing ids are
// omitted; order is unspecified.
func (db *DB) GetByIDs(ctx context.Context, ids []string) (_ []content.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(ids) == 0 {
		return nil, nil
	}

	var rows []contentRow
	err = db.db.SelectContext(ctx, &rows, selectContentSQL+` WHERE id = ANY($1::text[])`, pq.Array(ids))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return recordsFromRows(rows)
}

// GetByPublishDates returns every record whose published_at falls on one of
// the given UTC dates. Used by the freshness job to select exactly the rows
// crossing a recency threshold today.
func (db *DB) GetByPublishDates(ctx context.Context, dates []time.Time) (_ []content.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(dates) == 0 {
		return nil, nil
	}
	texts := make([]string, 0, len(dates))
	for _, date := range dates {
		texts = append(texts, date.UTC().Format("2006-01-02"))
	}

	var rows []contentRow
	err = db.db.SelectContext(ctx, &rows,
		selectContentSQL+` WHERE (published_at AT TIME ZONE 'UTC')::date = ANY($1::date[])`,
		pq.Array(texts))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return recordsFromRows(rows)
}

// IterateAll pages through the entire store in primary-key order and calls
// fn for each page. Only the full-rescore recovery path uses it.
func (db *DB) IterateAll(ctx context.Context, pageSize int, fn func(ctx context.Context, page []content.Record) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if pageSize <= 0 {
		pageSize = 1000
	}
	cursor := ""
	for {
		var rows []contentRow
		err = db.db.SelectContext(ctx, &rows,
			selectContentSQL+` WHERE id > $1 ORDER BY id LIMIT $2`, cursor, pageSize)
		if err != nil {
			return Error.Wrap(err)
		}
		if len(rows) == 0 {
			return nil
		}
		page, err := recordsFromRows(rows)
		if err != nil {
			return err
		}
		if err := fn(ctx, page); err != nil {
			return err
		}
		cursor = rows[len(rows)-1].ID
		if len(rows) < pageSize {
			return nil
		}
	}
}

// BulkUpsert writes records in sub-batches, each inside one transaction.
// Failure of one sub-batch does not roll back previously committed ones:
// a sub-batch failing on a row-level data error is retried row by row so
// constraint violations skip only the offending rows, reported through
// FailedIDs. Any other failure, connection loss included, is returned so the
// orchestrator marks the cycle failed and retries it on the next interval.
func (db *DB) BulkUpsert(ctx context.Context, records []content.Record) (result BulkResult, err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	result.Total = len(records)

	for offset := 0; offset < len(records); offset += db.config.UpsertBatchSize {
		end := offset + db.config.UpsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[offset:end]

		affected, err := db.upsertBatch(ctx, batch)
		if err == nil {
			result.Success += len(batch)
			result.RowsAffected += affected
			continue
		}
		if !isRowDataError(err) {
			return result, Error.Wrap(err)
		}

		db.log.Warn("sub-batch upsert failed, retrying row by row",
			zap.Int("batch size", len(batch)), zap.Error(err))

		for _, record := range batch {
			affected, rowErr := db.upsertBatch(ctx, []content.Record{record})
			if rowErr != nil {
				if !isRowDataError(rowErr) {
					return result, Error.Wrap(rowErr)
				}
				db.log.Warn("row upsert failed",
					zap.String("id", record.ID), zap.Error(rowErr))
				result.Failed++
				result.FailedIDs = append(result.FailedIDs, record.ID)
				continue
			}
			result.Success++
			result.RowsAffected += affected
		}
	}

	result.Elapsed = time.Since(start)
	mon.IntVal("bulk_upsert_rows").Observe(result.RowsAffected)
	return result, nil
}

// isRowDataError reports whether the error is pinned to the data of a single
// row: an integrity constraint violation (SQLSTATE class 23) or a data
// exception (class 22). Everything else, timeouts and broken connections in
// particular, would fail every row again and must surface to the caller.
func isRowDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22")
}

func (db *DB) upsertBatch(ctx context.Context, records []content.Record) (affected int64, err error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, record := range records {
		categories, metrics, err := encodeContent(record.Content)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, upsertSQL,
			record.ID,
			string(record.Type),
			record.Title,
			record.PublishedAt.UTC(),
			categories,
			record.SourceProvider,
			metrics,
			record.Score,
			record.Hash.String(),
		)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		affected += rowsAffected(res)
	}

	return affected, Error.Wrap(tx.Commit())
}

// BulkUpdateScores updates score, updated_at and version for the given
// pairs without touching the content hash. With versionBump unset the
// statement pins the version in place.
func (db *DB) BulkUpdateScores(ctx context.Context, updates []ScoreUpdate, versionBump bool) (result BulkResult, err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	result.Total = len(updates)
	if len(updates) == 0 {
		return result, nil
	}

	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if !versionBump {
		// the row trigger reads this transaction-local setting and keeps
		// the version in place
		if _, err = tx.ExecContext(ctx, `SET LOCAL contentdb.pin_version = 'on'`); err != nil {
			return result, Error.Wrap(err)
		}
	}
	const query = `UPDATE contents SET score = $2 WHERE id = $1`

	for _, update := range updates {
		res, execErr := tx.ExecContext(ctx, query, update.ID, update.Score)
		if execErr != nil {
			err = Error.Wrap(execErr)
			return result, err
		}
		if rowsAffected(res) > 0 {
			result.Success++
			result.RowsAffected += rowsAffected(res)
		} else {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, update.ID)
		}
	}

	if err = Error.Wrap(tx.Commit()); err != nil {
		return result, err
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

// contentRow is the sqlx scan target for the contents table.
type contentRow struct {
	ID             string          `db:"id"`
	Type           string          `db:"type"`
	Title          string          `db:"title"`
	PublishedAt    time.Time       `db:"published_at"`
	Categories     []byte          `db:"categories"`
	SourceProvider string          `db:"source_provider"`
	Metrics        []byte          `db:"metrics"`
	Score          decimal.Decimal `db:"score"`
	ContentHash    string          `db:"content_hash"`
	Version        int64           `db:"version"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func encodeContent(c content.Content) (categories, metrics []byte, err error) {
	if c.Categories == nil {
		c.Categories = []string{}
	}
	categories, err = json.Marshal(c.Categories)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	metrics, err = content.MarshalMetrics(c)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return categories, metrics, nil
}

func recordsFromRows(rows []contentRow) ([]content.Record, error) {
	records := make([]content.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.Record()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Record converts a scanned row back into the stored record form.
func (row contentRow) Record() (content.Record, error) {
	c := content.Content{
		Type:           content.Type(row.Type),
		ID:             row.ID,
		Title:          row.Title,
		PublishedAt:    row.PublishedAt.UTC(),
		SourceProvider: row.SourceProvider,
	}
	if err := json.Unmarshal(row.Categories, &c.Categories); err != nil {
		return content.Record{}, Error.Wrap(err)
	}
	if err := content.UnmarshalMetrics(c.Type, row.Metrics, &c); err != nil {
		return content.Record{}, Error.Wrap(err)
	}
	hash, err := content.HashFromString(row.ContentHash)
	if err != nil {
		return content.Record{}, Error.Wrap(err)
	}
	return content.Record{
		Content:   c,
		Score:     row.Score,
		Hash:      hash,
		Version:   row.Version,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}
