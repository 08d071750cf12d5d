// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package syncer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/ofurkanuygur/search-case-sub000/content"
	"github.com/ofurkanuygur/search-case-sub000/contentdb"
	"github.com/ofurkanuygur/search-case-sub000/detect"
	"github.com/ofurkanuygur/search-case-sub000/gateway"
	"github.com/ofurkanuygur/search-case-sub000/publish"
	"github.com/ofurkanuygur/search-case-sub000/syncer"
)

var syncClock = time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)

type fakeDB struct {
	mu       sync.Mutex
	records  map[string]content.Record
	batches  []contentdb.SyncBatch
	logs     []contentdb.ChangeLogEntry
	lockBusy bool

	saveErr   error
	upsertErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{records: make(map[string]content.Record)}
}

func (db *fakeDB) GetByIDs(ctx context.Context, ids []string) ([]content.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []content.Record
	for _, id := range ids {
		if record, ok := db.records[id]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (db *fakeDB) BulkUpsert(ctx context.Context, records []content.Record) (contentdb.BulkResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.upsertErr != nil {
		return contentdb.BulkResult{}, db.upsertErr
	}
	for _, record := range records {
		db.records[record.ID] = record
	}
	return contentdb.BulkResult{
		Total:        len(records),
		Success:      len(records),
		RowsAffected: int64(len(records)),
	}, nil
}

func (db *fakeDB) AppendChangeLogs(ctx context.Context, entries []contentdb.ChangeLogEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.logs = append(db.logs, entries...)
	return nil
}

func (db *fakeDB) SaveSyncBatch(ctx context.Context, batch contentdb.SyncBatch) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.saveErr != nil {
		return db.saveErr
	}
	db.batches = append(db.batches, batch)
	return nil
}

func (db *fakeDB) WithJobLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if db.lockBusy {
		return contentdb.ErrLockBusy.New("%s", name)
	}
	return fn(ctx)
}

func (db *fakeDB) lastBatch() contentdb.SyncBatch {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.batches[len(db.batches)-1]
}

func (db *fakeDB) changeLogs() []contentdb.ChangeLogEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]contentdb.ChangeLogEntry(nil), db.logs...)
}

type fakeGateway struct {
	mu      sync.Mutex
	results map[string]gateway.Result
	block   chan struct{}
	started chan struct{}
}

func (g *fakeGateway) Providers() []string {
	names := make([]string, 0, len(g.results))
	for name := range g.results {
		names = append(names, name)
	}
	return names
}

func (g *fakeGateway) FetchAll(ctx context.Context) (map[string]gateway.Result, error) {
	if g.started != nil {
		select {
		case g.started <- struct{}{}:
		default:
		}
	}
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]gateway.Result, len(g.results))
	for name, result := range g.results {
		out[name] = result
	}
	return out, nil
}

func (g *fakeGateway) set(provider string, contents []content.Content, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.results == nil {
		g.results = make(map[string]gateway.Result)
	}
	g.results[provider] = gateway.Result{Provider: provider, Contents: contents, Err: err}
}

type fakePublisher struct {
	mu        sync.Mutex
	outcome   publish.Outcome
	events    []publish.BatchChangeEvent
	onPublish func()
}

func (p *fakePublisher) Publish(ctx context.Context, event publish.BatchChangeEvent) publish.Outcome {
	if p.onPublish != nil {
		p.onPublish()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if p.outcome == "" {
		return publish.Delivered
	}
	return p.outcome
}

func (p *fakePublisher) published() []publish.BatchChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publish.BatchChangeEvent(nil), p.events...)
}

func testVideo(id string, likes int64) content.Content {
	return content.Content{
		Type:           content.TypeVideo,
		ID:             id,
		Title:          "Learning Go",
		PublishedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Categories:     []string{"programming", "education"},
		SourceProvider: "P1",
		Video: &content.VideoMetrics{
			Views:    2000,
			Likes:    likes,
			Duration: 10 * time.Minute,
		},
	}
}

func testArticle(id string) content.Content {
	return content.Content{
		Type:           content.TypeArticle,
		ID:             id,
		Title:          "Channels in Practice",
		PublishedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Categories:     []string{"programming"},
		SourceProvider: "P1",
		Article: &content.ArticleMetrics{
			ReadingTimeMinutes: 5,
			Reactions:          50,
			Comments:           3,
		},
	}
}

func newTestService(t *testing.T, db syncer.DB, gw syncer.Gateway, publisher publish.Publisher) *syncer.Service {
	log := zaptest.NewLogger(t)
	service := syncer.NewService(log, db, gw, detect.NewHashDetector(log), publisher)
	service.TestSetNow(func() time.Time { return syncClock })
	return service
}

func TestRunOnceFirstSyncCreatesAll(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100), testArticle("P1_b")}, nil)
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	result, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.ItemsFetched)
	require.Equal(t, 2, result.ItemsCreated)
	require.Zero(t, result.ItemsUpdated)
	require.Zero(t, result.ItemsUnchanged)
	require.Zero(t, result.ItemsSkipped)
	require.EqualValues(t, 2, result.RowsAffected)
	require.Equal(t, publish.Delivered, result.PublishOutcome)

	require.Equal(t, "10", db.records["P1_a"].Score.String())
	require.Equal(t, "61", db.records["P1_b"].Score.String())

	batch := db.lastBatch()
	require.Equal(t, contentdb.BatchSucceeded, batch.Status)
	require.Equal(t, 2, batch.ItemsCreated)
	require.NotNil(t, batch.CompletedAt)

	logs := db.changeLogs()
	require.Len(t, logs, 2)
	for _, entry := range logs {
		require.Equal(t, detect.ChangeCreated, entry.ChangeType)
		require.Nil(t, entry.PreviousHash)
		require.Equal(t, result.BatchID, entry.SyncBatchID)
	}

	events := publisher.published()
	require.Len(t, events, 1)
	require.Equal(t, result.BatchID, events[0].BatchID)
	require.Equal(t, publish.ChangeCreated, events[0].ChangeType)
	require.ElementsMatch(t, []string{"P1_a", "P1_b"}, events[0].ContentIDs)
	require.NotNil(t, events[0].SourceProvider)
	require.Equal(t, "P1", *events[0].SourceProvider)
}

func TestRunOnceSecondSyncUnchanged(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100), testArticle("P1_b")}, nil)
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	_, err := service.RunOnce(context.Background())
	require.NoError(t, err)

	result, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.ItemsUnchanged)
	require.Zero(t, result.ItemsCreated)
	require.Zero(t, result.ItemsUpdated)
	require.Empty(t, result.PublishOutcome, "no event for an all-unchanged cycle")

	require.Len(t, publisher.published(), 1, "only the first cycle publishes")
	require.Len(t, db.changeLogs(), 2, "unchanged records leave no audit entries")
}

func TestRunOnceDetectsMetricUpdate(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100), testArticle("P1_b")}, nil)
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	_, err := service.RunOnce(context.Background())
	require.NoError(t, err)

	gw.set("P1", []content.Content{testVideo("P1_a", 300), testArticle("P1_b")}, nil)
	result, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ItemsUpdated)
	require.Equal(t, 1, result.ItemsUnchanged)
	require.Equal(t, publish.Delivered, result.PublishOutcome)

	// likes 100 -> 300: (2 + 3) * 1.5 + 5 + (300/2000)*10 = 14
	require.Equal(t, "14", db.records["P1_a"].Score.String())

	logs := db.changeLogs()
	require.Len(t, logs, 3)
	updated := logs[2]
	require.Equal(t, detect.ChangeUpdated, updated.ChangeType)
	require.NotNil(t, updated.PreviousHash)
	require.NotNil(t, updated.PreviousScore)
	require.Equal(t, "10", updated.PreviousScore.String())

	var fields []string
	for _, delta := range updated.ChangedFields {
		fields = append(fields, delta.Field)
	}
	require.ElementsMatch(t, []string{"Metrics", "Score"}, fields)

	events := publisher.published()
	require.Equal(t, publish.ChangeUpdated, events[1].ChangeType)
	require.Equal(t, []string{"P1_a"}, events[1].ContentIDs)
}

func TestRunOnceMixedChangesAcrossProviders(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100)}, nil)
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	_, err := service.RunOnce(context.Background())
	require.NoError(t, err)

	second := testArticle("P2_a")
	second.SourceProvider = "P2"
	gw.set("P1", []content.Content{testVideo("P1_a", 300)}, nil)
	gw.set("P2", []content.Content{second}, nil)

	result, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ItemsCreated)
	require.Equal(t, 1, result.ItemsUpdated)

	events := publisher.published()
	last := events[len(events)-1]
	require.Equal(t, publish.ChangeMixed, last.ChangeType)
	require.Nil(t, last.SourceProvider, "mixed providers leave the provider unset")
}

func TestRunOnceSkipsInvalidRecords(t *testing.T) {
	invalid := testVideo("P1_bad", 100)
	invalid.Title = ""

	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100), invalid}, nil)
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	result, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.ItemsFetched)
	require.Equal(t, 1, result.ItemsCreated)
	require.Equal(t, 1, result.ItemsSkipped)
	require.Equal(t,
		result.ItemsFetched,
		result.ItemsCreated+result.ItemsUpdated+result.ItemsUnchanged+result.ItemsSkipped)
	_, stored := db.records["P1_bad"]
	require.False(t, stored, "invalid records never reach the store")
}

func TestRunOnceDuplicateIDsLastWins(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100), testVideo("P1_a", 300)}, nil)
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	result, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.ItemsFetched)
	require.Equal(t, 1, result.ItemsCreated)
	require.Equal(t, 1, result.ItemsSkipped, "the shadowed duplicate counts as skipped")
	require.Equal(t, "14", db.records["P1_a"].Score.String(), "last occurrence wins")
}

func TestRunOnceEmptyProviderBatch(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", nil, nil)
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	result, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.ItemsFetched)
	require.Equal(t, contentdb.BatchSucceeded, db.lastBatch().Status)
	require.Empty(t, publisher.published())
}

func TestRunOnceAllProvidersFailed(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", nil, errs.New("connection refused"))
	gw.set("P2", nil, errs.New("timeout"))
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	result, err := service.RunOnce(context.Background())
	require.Error(t, err)
	require.ElementsMatch(t, []string{"P1", "P2"}, result.FailedProviders)

	batch := db.lastBatch()
	require.Equal(t, contentdb.BatchFailed, batch.Status)
	require.NotNil(t, batch.ErrorMessage)
	require.Empty(t, publisher.published())
}

func TestRunOncePartialProviderFailure(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100)}, nil)
	gw.set("P2", nil, errs.New("connection refused"))
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	result, err := service.RunOnce(context.Background())
	require.NoError(t, err, "one healthy provider keeps the cycle going")
	require.Equal(t, []string{"P2"}, result.FailedProviders)
	require.Equal(t, 1, result.ItemsCreated)
	require.Equal(t, contentdb.BatchSucceeded, db.lastBatch().Status)
}

func TestRunOncePublishFailureDoesNotFailCycle(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100)}, nil)
	publisher := &fakePublisher{outcome: publish.Buffered}
	service := newTestService(t, db, gw, publisher)

	result, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, publish.Buffered, result.PublishOutcome)
	require.Equal(t, contentdb.BatchSucceeded, db.lastBatch().Status)
}

func TestRunOnceClosesBatchBeforePublish(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100)}, nil)

	// a consumer reacting to the event must never read the batch as running
	var statusAtPublish contentdb.BatchStatus
	publisher := &fakePublisher{}
	publisher.onPublish = func() { statusAtPublish = db.lastBatch().Status }
	service := newTestService(t, db, gw, publisher)

	_, err := service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, contentdb.BatchSucceeded, statusAtPublish)
}

func TestRunOnceUpsertFailureMarksBatchFailed(t *testing.T) {
	db := newFakeDB()
	db.upsertErr = errs.New("store down")
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100)}, nil)
	publisher := &fakePublisher{}
	service := newTestService(t, db, gw, publisher)

	_, err := service.RunOnce(context.Background())
	require.Error(t, err)

	batch := db.lastBatch()
	require.Equal(t, contentdb.BatchFailed, batch.Status)
	require.NotNil(t, batch.ErrorMessage)
	require.Contains(t, *batch.ErrorMessage, "store down")
	require.Empty(t, publisher.published())
}

func TestRunOnceStoreLockBusy(t *testing.T) {
	db := newFakeDB()
	db.lockBusy = true
	gw := &fakeGateway{}
	gw.set("P1", []content.Content{testVideo("P1_a", 100)}, nil)
	service := newTestService(t, db, gw, &fakePublisher{})

	_, err := service.RunOnce(context.Background())
	require.True(t, syncer.ErrBusy.Has(err))
	require.Empty(t, db.batches)
}

func TestRunOnceSingleFlight(t *testing.T) {
	db := newFakeDB()
	gw := &fakeGateway{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	gw.set("P1", []content.Content{testVideo("P1_a", 100)}, nil)
	service := newTestService(t, db, gw, &fakePublisher{})

	done := make(chan error, 1)
	go func() {
		_, err := service.RunOnce(context.Background())
		done <- err
	}()

	// wait until the first cycle is inside FetchAll, then probe
	<-gw.started
	_, err := service.RunOnce(context.Background())
	require.True(t, syncer.ErrBusy.Has(err))

	close(gw.block)
	require.NoError(t, <-done)
}
