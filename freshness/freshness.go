// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package freshness rescores stored content as it ages across the recency
// boundaries. The daily job touches only the publish dates crossing a
// boundary today instead of sweeping the whole store.
package freshness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ofurkanuygur/search-case-sub000/content"
	"github.com/ofurkanuygur/search-case-sub000/contentdb"
	"github.com/ofurkanuygur/search-case-sub000/publish"
)

var (
	// Error is the freshness error class.
	Error = errs.Class("freshness")
	// ErrBusy is returned when another run already holds the job lock.
	ErrBusy = errs.Class("freshness: run already in flight")

	mon = monkit.Package()
)

// JobName is the advisory-lock name serializing freshness runs across
// processes.
const JobName = "freshness"

// scoreEpsilon is the smallest score movement worth persisting. Rescoring a
// record whose recency bucket did not change produces a bit-identical score;
// the epsilon also absorbs rounding noise.
var scoreEpsilon = decimal.RequireFromString("0.01")

// boundaryOffsets are the recency boundaries in days. Content published
// exactly that many days ago moves to a lower bucket tomorrow.
var boundaryOffsets = []int{7, 30, 90}

// DB is the slice of the store the freshness job needs.
type DB interface {
	GetByPublishDates(ctx context.Context, dates []time.Time) ([]content.Record, error)
	IterateAll(ctx context.Context, pageSize int, fn func(ctx context.Context, records []content.Record) error) error
	BulkUpdateScores(ctx context.Context, updates []contentdb.ScoreUpdate, versionBump bool) (contentdb.BulkResult, error)
	WithJobLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Result summarizes one freshness run.
type Result struct {
	Examined       int
	Updated        int
	RowsAffected   int64
	FailedIDs      []string
	PublishOutcome publish.Outcome
	Elapsed        time.Duration
}

// Service recomputes scores for aging content.
//
// architecture: Service
type Service struct {
	log       *zap.Logger
	db        DB
	publisher publish.Publisher
	pageSize  int

	nowFn func() time.Time
}

// NewService creates a freshness service.
func NewService(log *zap.Logger, db DB, publisher publish.Publisher) *Service {
	return &Service{
		log:       log,
		db:        db,
		publisher: publisher,
		pageSize:  500,
		nowFn:     time.Now,
	}
}

// TestSetNow allows tests to pin the clock.
func (service *Service) TestSetNow(nowFn func() time.Time) { service.nowFn = nowFn }

// UpdateDailyScores rescores the content whose recency bucket degrades
// today: records published exactly 7, 30 and 90 days before the given day.
// Scores moving less than the epsilon are left alone, so a second run on the
// same day is a no-op.
func (service *Service) UpdateDailyScores(ctx context.Context, today time.Time) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	err = service.db.WithJobLock(ctx, JobName, func(ctx context.Context) error {
		var runErr error
		result, runErr = service.updateDaily(ctx, today)
		return runErr
	})
	if contentdb.ErrLockBusy.Has(err) {
		service.log.Warn("freshness run skipped, another process holds the lock")
		return Result{}, ErrBusy.Wrap(err)
	}
	return result, err
}

func (service *Service) updateDaily(ctx context.Context, today time.Time) (result Result, err error) {
	start := service.nowFn()
	defer func() { result.Elapsed = service.nowFn().Sub(start) }()

	day := today.UTC().Truncate(24 * time.Hour)
	dates := make([]time.Time, 0, len(boundaryOffsets))
	for _, offset := range boundaryOffsets {
		dates = append(dates, day.AddDate(0, 0, -offset))
	}

	records, err := service.db.GetByPublishDates(ctx, dates)
	if err != nil {
		return result, Error.Wrap(err)
	}
	result.Examined = len(records)

	updates, ids := service.rescore(records)
	result.Updated = len(updates)
	if len(updates) == 0 {
		service.log.Info("freshness run found nothing to rescore",
			zap.Int("examined", result.Examined))
		return result, nil
	}

	bulk, err := service.db.BulkUpdateScores(ctx, updates, true)
	if err != nil {
		return result, Error.Wrap(err)
	}
	result.RowsAffected = bulk.RowsAffected
	result.FailedIDs = bulk.FailedIDs

	result.PublishOutcome = service.publishRescored(ctx, ids)

	service.log.Info("freshness run completed",
		zap.Int("examined", result.Examined),
		zap.Int("updated", result.Updated),
		zap.String("publish", string(result.PublishOutcome)))
	return result, nil
}

// RecalculateAll rescores the entire store in pages. Intended for operator
// use after a scoring formula change; the daily job never needs it.
func (service *Service) RecalculateAll(ctx context.Context) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	start := service.nowFn()
	defer func() { result.Elapsed = service.nowFn().Sub(start) }()

	err = service.db.WithJobLock(ctx, JobName, func(ctx context.Context) error {
		return service.db.IterateAll(ctx, service.pageSize, func(ctx context.Context, records []content.Record) error {
			result.Examined += len(records)

			updates, ids := service.rescore(records)
			if len(updates) == 0 {
				return nil
			}
			result.Updated += len(updates)

			bulk, err := service.db.BulkUpdateScores(ctx, updates, true)
			if err != nil {
				return Error.Wrap(err)
			}
			result.RowsAffected += bulk.RowsAffected
			result.FailedIDs = append(result.FailedIDs, bulk.FailedIDs...)

			result.PublishOutcome = service.publishRescored(ctx, ids)
			return nil
		})
	})
	if err != nil {
		return result, Error.Wrap(err)
	}

	service.log.Info("full rescore completed",
		zap.Int("examined", result.Examined),
		zap.Int("updated", result.Updated))
	return result, nil
}

// rescore recomputes every record's score against the current clock and
// keeps the movements larger than the epsilon.
func (service *Service) rescore(records []content.Record) (updates []contentdb.ScoreUpdate, ids []string) {
	now := service.nowFn().UTC()
	for _, record := range records {
		fresh := content.Score(record.Content, now)
		if fresh.Sub(record.Score).Abs().LessThanOrEqual(scoreEpsilon) {
			continue
		}
		updates = append(updates, contentdb.ScoreUpdate{ID: record.ID, Score: fresh})
		ids = append(ids, record.ID)
	}
	return updates, ids
}

func (service *Service) publishRescored(ctx context.Context, ids []string) publish.Outcome {
	provider := "freshness"
	return service.publisher.Publish(ctx, publish.BatchChangeEvent{
		BatchID:        uuid.NewString(),
		ContentIDs:     ids,
		ChangeType:     publish.ChangeScoreUpdated,
		SourceProvider: &provider,
		ProcessedAt:    service.nowFn().UTC(),
	})
}
