// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package contentdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ofurkanuygur/search-case-sub000/content"
	"github.com/ofurkanuygur/search-case-sub000/contentdb"
	"github.com/ofurkanuygur/search-case-sub000/detect"
)

func mockedDB(t *testing.T, batchSize int) (*contentdb.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mock.ExpectationsWereMet()) })

	db := contentdb.Wrap(zaptest.NewLogger(t),
		sqlx.NewDb(mockDB, "sqlmock"),
		contentdb.Config{UpsertBatchSize: batchSize})
	return db, mock
}

func storeRecord(id string, views int64) content.Record {
	record := content.NewRecord(content.Content{
		Type:           content.TypeVideo,
		ID:             id,
		Title:          "title " + id,
		PublishedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Categories:     []string{"x"},
		SourceProvider: "P1",
		Video:          &content.VideoMetrics{Views: views, Likes: 10, Duration: time.Minute},
	})
	record.Score = decimal.RequireFromString("10.00")
	return record
}

var contentColumns = []string{
	"id", "type", "title", "published_at", "categories", "source_provider",
	"metrics", "score", "content_hash", "version", "created_at", "updated_at",
}

func addContentRow(rows *sqlmock.Rows, record content.Record) {
	rows.AddRow(
		record.ID,
		string(record.Type),
		record.Title,
		record.PublishedAt,
		`["x"]`,
		record.SourceProvider,
		`{"views":100,"likes":10,"duration":"PT1M"}`,
		record.Score.String(),
		record.Hash.String(),
		record.Version,
		record.PublishedAt,
		record.PublishedAt,
	)
}

func TestGetByIDs(t *testing.T) {
	db, mock := mockedDB(t, 500)
	record := storeRecord("a", 100)

	rows := sqlmock.NewRows(contentColumns)
	addContentRow(rows, record)
	mock.ExpectQuery(`SELECT .* FROM contents\s+WHERE id = ANY`).WillReturnRows(rows)

	records, err := db.GetByIDs(context.Background(), []string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a", records[0].ID)
	require.Equal(t, record.Hash, records[0].Hash)
	require.EqualValues(t, 100, records[0].Video.Views)
	require.Equal(t, time.Minute, records[0].Video.Duration)
	require.True(t, records[0].Score.Equal(decimal.RequireFromString("10.00")))
}

func TestGetByIDsEmpty(t *testing.T) {
	db, _ := mockedDB(t, 500)
	records, err := db.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestGetByPublishDates(t *testing.T) {
	db, mock := mockedDB(t, 500)

	rows := sqlmock.NewRows(contentColumns)
	addContentRow(rows, storeRecord("a", 100))
	mock.ExpectQuery(`WHERE \(published_at AT TIME ZONE 'UTC'\)::date = ANY`).
		WillReturnRows(rows)

	records, err := db.GetByPublishDates(context.Background(),
		[]time.Time{time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, records, 1)

	records, err = db.GetByPublishDates(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestBulkUpsertBatching(t *testing.T) {
	db, mock := mockedDB(t, 2)

	records := []content.Record{
		storeRecord("a", 1), storeRecord("b", 2), storeRecord("c", 3),
		storeRecord("d", 4), storeRecord("e", 5),
	}

	// 5 records at batch size 2: three transactions of 2, 2 and 1
	for _, size := range []int{2, 2, 1} {
		mock.ExpectBegin()
		for i := 0; i < size; i++ {
			mock.ExpectExec(`INSERT INTO contents`).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()
	}

	result, err := db.BulkUpsert(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, 5, result.Total)
	require.Equal(t, 5, result.Success)
	require.Zero(t, result.Failed)
	require.EqualValues(t, 5, result.RowsAffected)
	require.Empty(t, result.FailedIDs)
}

func TestBulkUpsertRowFallback(t *testing.T) {
	db, mock := mockedDB(t, 2)

	records := []content.Record{storeRecord("good", 1), storeRecord("bad", 2)}

	// sub-batch fails on the second row, then the row-by-row retry keeps
	// the good row and reports the bad one
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contents`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO contents`).WillReturnError(errTitleTooLong)
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contents`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contents`).WillReturnError(errTitleTooLong)
	mock.ExpectRollback()

	result, err := db.BulkUpsert(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)
	require.Equal(t, 1, result.Success)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, []string{"bad"}, result.FailedIDs)
}

// SQLSTATE 22001, string_data_right_truncation
var errTitleTooLong = &pgconn.PgError{
	Code:    "22001",
	Message: "value too long for type character varying(1000)",
}

func TestBulkUpsertTransientError(t *testing.T) {
	db, mock := mockedDB(t, 2)

	records := []content.Record{storeRecord("a", 1), storeRecord("b", 2)}

	// a broken connection is not pinned to any row: no row-by-row retry,
	// the error surfaces so the orchestrator marks the cycle failed
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contents`).
		WillReturnError(errors.New("unexpected EOF"))
	mock.ExpectRollback()

	result, err := db.BulkUpsert(context.Background(), records)
	require.Error(t, err)
	require.Zero(t, result.Success)
	require.Empty(t, result.FailedIDs)
}

func TestBulkUpdateScores(t *testing.T) {
	db, mock := mockedDB(t, 500)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE contents SET score`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE contents SET score`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := db.BulkUpdateScores(context.Background(), []contentdb.ScoreUpdate{
		{ID: "a", Score: decimal.RequireFromString("10.00")},
		{ID: "gone", Score: decimal.RequireFromString("3.00")},
	}, true)
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)
	require.Equal(t, 1, result.Success)
	require.Equal(t, []string{"gone"}, result.FailedIDs)
}

func TestBulkUpdateScoresPinnedVersion(t *testing.T) {
	db, mock := mockedDB(t, 500)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL contentdb.pin_version`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE contents SET score`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := db.BulkUpdateScores(context.Background(),
		[]contentdb.ScoreUpdate{{ID: "a", Score: decimal.New(5, 0)}}, false)
	require.NoError(t, err)
}

func TestAppendChangeLogs(t *testing.T) {
	db, mock := mockedDB(t, 500)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO content_change_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	previousScore := decimal.RequireFromString("9.00")
	previousHash := storeRecord("a", 1).Hash.String()
	err := db.AppendChangeLogs(context.Background(), []contentdb.ChangeLogEntry{{
		ID:             uuid.NewString(),
		ContentID:      "a",
		ChangeType:     detect.ChangeUpdated,
		PreviousHash:   &previousHash,
		NewHash:        storeRecord("a", 2).Hash.String(),
		ChangedFields:  []detect.FieldDelta{{Field: "Metrics", Old: "views=1", New: "views=2"}},
		PreviousScore:  &previousScore,
		NewScore:       decimal.RequireFromString("10.00"),
		SourceProvider: "P1",
		DetectedAt:     time.Now(),
		SyncBatchID:    uuid.NewString(),
	}})
	require.NoError(t, err)

	// appending nothing touches nothing
	require.NoError(t, db.AppendChangeLogs(context.Background(), nil))
}

func TestSaveSyncBatch(t *testing.T) {
	db, mock := mockedDB(t, 500)

	mock.ExpectExec(`INSERT INTO sync_batches`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now()
	err := db.SaveSyncBatch(context.Background(), contentdb.SyncBatch{
		ID:              uuid.NewString(),
		StartedAt:       now,
		Status:          contentdb.BatchRunning,
		SourceProviders: []string{"P1", "P2"},
	})
	require.NoError(t, err)
}

func TestSchedulerState(t *testing.T) {
	db, mock := mockedDB(t, 500)

	mock.ExpectQuery(`SELECT last_run FROM scheduler_state`).
		WillReturnRows(sqlmock.NewRows([]string{"last_run"}))

	_, ok, err := db.LastRun(context.Background(), "sync")
	require.NoError(t, err)
	require.False(t, ok)

	firedAt := time.Date(2025, 1, 5, 2, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO scheduler_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, db.SetLastRun(context.Background(), "sync", firedAt))

	mock.ExpectQuery(`SELECT last_run FROM scheduler_state`).
		WillReturnRows(sqlmock.NewRows([]string{"last_run"}).AddRow(firedAt))
	lastRun, ok, err := db.LastRun(context.Background(), "sync")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, lastRun.Equal(firedAt))
}

func TestWithJobLock(t *testing.T) {
	db, mock := mockedDB(t, 500)

	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`pg_advisory_unlock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	ran := false
	err := db.WithJobLock(context.Background(), "sync", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestWithJobLockBusy(t *testing.T) {
	db, mock := mockedDB(t, 500)

	mock.ExpectQuery(`pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	err := db.WithJobLock(context.Background(), "sync", func(ctx context.Context) error {
		t.Fatal("must not run while the lock is busy")
		return nil
	})
	require.True(t, contentdb.ErrLockBusy.Has(err))
}

func TestListRecentBatches(t *testing.T) {
	db, mock := mockedDB(t, 500)

	started := time.Now().UTC()
	completed := started.Add(time.Second)
	rows := sqlmock.NewRows([]string{
		"id", "started_at", "completed_at", "status", "source_providers",
		"items_fetched", "items_created", "items_updated", "items_unchanged",
		"rows_affected", "error_message",
	}).AddRow(uuid.NewString(), started, completed, "succeeded", "{P1,P2}", 4, 1, 1, 2, 2, nil)
	mock.ExpectQuery(`FROM sync_batches`).WillReturnRows(rows)

	batches, err := db.ListRecentBatches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, contentdb.BatchSucceeded, batches[0].Status)
	require.Equal(t, []string{"P1", "P2"}, batches[0].SourceProviders)
	require.NotNil(t, batches[0].CompletedAt)
	require.Equal(t, 4, batches[0].ItemsFetched)
}
