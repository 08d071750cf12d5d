// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package syncer runs one content sync cycle: fetch all providers, detect
// changes against the store by fingerprint, score what changed, upsert,
// append the audit log and publish a batched change event.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ofurkanuygur/search-case-sub000/content"
	"github.com/ofurkanuygur/search-case-sub000/contentdb"
	"github.com/ofurkanuygur/search-case-sub000/detect"
	"github.com/ofurkanuygur/search-case-sub000/gateway"
	"github.com/ofurkanuygur/search-case-sub000/publish"
)

var (
	// Error is the syncer error class.
	Error = errs.Class("syncer")
	// ErrBusy is returned when a cycle is already in flight.
	ErrBusy = errs.Class("syncer: cycle already running")

	mon = monkit.Package()
)

// JobName is the advisory-lock name serializing cycles across processes.
const JobName = "sync"

// DB is the slice of the store the orchestrator needs.
type DB interface {
	GetByIDs(ctx context.Context, ids []string) ([]content.Record, error)
	BulkUpsert(ctx context.Context, records []content.Record) (contentdb.BulkResult, error)
	AppendChangeLogs(ctx context.Context, entries []contentdb.ChangeLogEntry) error
	SaveSyncBatch(ctx context.Context, batch contentdb.SyncBatch) error
	WithJobLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Gateway fetches all provider batches.
type Gateway interface {
	Providers() []string
	FetchAll(ctx context.Context) (map[string]gateway.Result, error)
}

// SyncResult summarizes one cycle.
type SyncResult struct {
	BatchID         string
	Providers       []string
	FailedProviders []string
	ItemsFetched    int
	ItemsCreated    int
	ItemsUpdated    int
	ItemsUnchanged  int
	ItemsSkipped    int
	RowsAffected    int64
	FailedIDs       []string
	PublishOutcome  publish.Outcome
	Elapsed         time.Duration
}

// Service is the sync orchestrator.
//
// architecture: Service
type Service struct {
	log       *zap.Logger
	db        DB
	gateway   Gateway
	detector  detect.Detector
	publisher publish.Publisher

	inFlight sync.Mutex
	nowFn    func() time.Time
}

// NewService creates a sync orchestrator.
func NewService(log *zap.Logger, db DB, gw Gateway, detector detect.Detector, publisher publish.Publisher) *Service {
	return &Service{
		log:       log,
		db:        db,
		gateway:   gw,
		detector:  detector,
		publisher: publisher,
		nowFn:     time.Now,
	}
}

// TestSetNow allows tests to pin the clock.
func (service *Service) TestSetNow(nowFn func() time.Time) { service.nowFn = nowFn }

// RunOnce executes a single sync cycle. At most one cycle runs per process;
// a second concurrent call returns ErrBusy immediately. Across processes
// cycles are serialized through the store advisory lock.
func (service *Service) RunOnce(ctx context.Context) (result SyncResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.inFlight.TryLock() {
		return SyncResult{}, ErrBusy.New("run_once")
	}
	defer service.inFlight.Unlock()

	err = service.db.WithJobLock(ctx, JobName, func(ctx context.Context) error {
		var cycleErr error
		result, cycleErr = service.cycle(ctx)
		return cycleErr
	})
	if contentdb.ErrLockBusy.Has(err) {
		service.log.Warn("sync cycle skipped, another process holds the lock")
		return SyncResult{}, ErrBusy.Wrap(err)
	}
	return result, err
}

func (service *Service) cycle(ctx context.Context) (result SyncResult, err error) {
	start := service.nowFn().UTC()
	batch := contentdb.SyncBatch{
		ID:              uuid.NewString(),
		StartedAt:       start,
		Status:          contentdb.BatchRunning,
		SourceProviders: service.gateway.Providers(),
	}
	result.BatchID = batch.ID
	result.Providers = batch.SourceProviders

	// a store unreachable at cycle start is fatal for this cycle
	if err := service.db.SaveSyncBatch(ctx, batch); err != nil {
		return result, Error.Wrap(err)
	}

	closed := false
	defer func() {
		if !closed {
			service.closeBatch(ctx, &batch, result, err)
		}
		result.Elapsed = service.nowFn().Sub(start)
	}()

	incoming, err := service.fetch(ctx, &result)
	if err != nil {
		return result, err
	}

	ids := make([]string, 0, len(incoming))
	for _, record := range incoming {
		ids = append(ids, record.ID)
	}
	existing, err := service.db.GetByIDs(ctx, ids)
	if err != nil {
		return result, Error.Wrap(err)
	}

	detected := service.detector.Detect(ctx, incoming, existing)

	changed, entries := service.scoreChanges(detected, batch.ID, &result)
	// invariant: created+updated+unchanged+skipped == fetched
	result.ItemsSkipped = result.ItemsFetched - result.ItemsCreated - result.ItemsUpdated - result.ItemsUnchanged

	if len(changed) == 0 {
		service.log.Info("sync cycle found no changes",
			zap.String("batch", batch.ID),
			zap.Int("items fetched", result.ItemsFetched))
		return result, nil
	}

	bulk, err := service.db.BulkUpsert(ctx, changed)
	if err != nil {
		return result, Error.Wrap(err)
	}
	result.RowsAffected = bulk.RowsAffected
	result.FailedIDs = bulk.FailedIDs

	if err := service.db.AppendChangeLogs(ctx, entries); err != nil {
		return result, Error.Wrap(err)
	}

	// close the batch row before publishing so a consumer reacting to the
	// event never reads the batch as still running
	closed = true
	service.closeBatch(ctx, &batch, result, nil)

	service.publishChanges(ctx, batch.ID, changed, &result)

	service.log.Info("sync cycle completed",
		zap.String("batch", batch.ID),
		zap.Int("fetched", result.ItemsFetched),
		zap.Int("created", result.ItemsCreated),
		zap.Int("updated", result.ItemsUpdated),
		zap.Int("unchanged", result.ItemsUnchanged),
		zap.Int("skipped", result.ItemsSkipped),
		zap.String("publish", string(result.PublishOutcome)))
	return result, nil
}

// closeBatch persists the terminal batch row with the cycle counters.
func (service *Service) closeBatch(ctx context.Context, batch *contentdb.SyncBatch, result SyncResult, cycleErr error) {
	completed := service.nowFn().UTC()
	batch.CompletedAt = &completed
	batch.ItemsFetched = result.ItemsFetched
	batch.ItemsCreated = result.ItemsCreated
	batch.ItemsUpdated = result.ItemsUpdated
	batch.ItemsUnchanged = result.ItemsUnchanged
	batch.RowsAffected = int(result.RowsAffected)
	if cycleErr != nil {
		batch.Status = contentdb.BatchFailed
		message := cycleErr.Error()
		batch.ErrorMessage = &message
	} else {
		batch.Status = contentdb.BatchSucceeded
	}
	if saveErr := service.db.SaveSyncBatch(ctx, *batch); saveErr != nil {
		service.log.Error("failed to close sync batch",
			zap.String("batch", batch.ID), zap.Error(saveErr))
	}
}

// fetch gathers all provider batches, validates each canonical record and
// converts the survivors to their stored form with fingerprints computed.
func (service *Service) fetch(ctx context.Context, result *SyncResult) ([]content.Record, error) {
	fetched, err := service.gateway.FetchAll(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var records []content.Record
	failures := 0
	for _, providerResult := range fetched {
		if providerResult.Err != nil {
			failures++
			result.FailedProviders = append(result.FailedProviders, providerResult.Provider)
			continue
		}
		for _, c := range providerResult.Contents {
			result.ItemsFetched++
			if err := c.Validate(); err != nil {
				// permanent mapping failure: log, skip, keep the cycle going
				service.log.Warn("skipping invalid canonical record",
					zap.String("id", c.ID),
					zap.String("provider", providerResult.Provider),
					zap.Error(err))
				mon.Counter("items_mapping_skipped").Inc(1)
				continue
			}
			records = append(records, content.NewRecord(c))
		}
	}

	if len(fetched) > 0 && failures == len(fetched) {
		return nil, Error.New("all %d providers failed", failures)
	}
	return records, nil
}

// scoreChanges assigns fresh scores to created and updated records only and
// builds their audit entries. Unchanged records are never rescored; the
// cycle cost scales with the change set.
func (service *Service) scoreChanges(detected []detect.Result, batchID string, result *SyncResult) (changed []content.Record, entries []contentdb.ChangeLogEntry) {
	now := service.nowFn().UTC()

	for _, d := range detected {
		switch d.Type {
		case detect.ChangeUnchanged:
			result.ItemsUnchanged++
			continue
		case detect.ChangeCreated:
			result.ItemsCreated++
		case detect.ChangeUpdated:
			result.ItemsUpdated++
		}

		record := d.Incoming
		record.Score = content.Score(record.Content, now)
		mon.Counter("items_scored").Inc(1)
		changed = append(changed, record)

		entry := contentdb.ChangeLogEntry{
			ID:             uuid.NewString(),
			ContentID:      record.ID,
			ChangeType:     d.Type,
			NewHash:        record.Hash.String(),
			ChangedFields:  d.Deltas,
			NewScore:       record.Score,
			SourceProvider: record.SourceProvider,
			DetectedAt:     now,
			SyncBatchID:    batchID,
		}
		if d.Previous != nil {
			previousHash := d.Previous.Hash.String()
			previousScore := d.Previous.Score
			entry.PreviousHash = &previousHash
			entry.PreviousScore = &previousScore
			if delta, ok := detect.ScoreDelta(*d.Previous, record); ok {
				entry.ChangedFields = append(entry.ChangedFields, delta)
			}
		}
		entries = append(entries, entry)
	}
	return changed, entries
}

// publishChanges emits the batched change event. Publish failures never
// fail the cycle; the publisher buffers internally.
func (service *Service) publishChanges(ctx context.Context, batchID string, changed []content.Record, result *SyncResult) {
	changeType, ok := publish.Classify(result.ItemsCreated, result.ItemsUpdated)
	if !ok {
		return
	}

	ids := make([]string, 0, len(changed))
	providers := make(map[string]struct{})
	for _, record := range changed {
		ids = append(ids, record.ID)
		providers[record.SourceProvider] = struct{}{}
	}

	event := publish.BatchChangeEvent{
		BatchID:     batchID,
		ContentIDs:  ids,
		ChangeType:  changeType,
		ProcessedAt: service.nowFn().UTC(),
	}
	if len(providers) == 1 {
		for provider := range providers {
			event.SourceProvider = &provider
		}
	}

	result.PublishOutcome = service.publisher.Publish(ctx, event)
}
