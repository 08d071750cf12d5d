// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package pipeline assembles the sync pipeline process from its services
// and runs them together.
package pipeline

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ofurkanuygur/search-case-sub000/config"
	"github.com/ofurkanuygur/search-case-sub000/contentdb"
	"github.com/ofurkanuygur/search-case-sub000/detect"
	"github.com/ofurkanuygur/search-case-sub000/freshness"
	"github.com/ofurkanuygur/search-case-sub000/gateway"
	"github.com/ofurkanuygur/search-case-sub000/publish"
	"github.com/ofurkanuygur/search-case-sub000/scheduler"
	"github.com/ofurkanuygur/search-case-sub000/server"
	"github.com/ofurkanuygur/search-case-sub000/syncer"
)

var (
	// Error is the pipeline error class.
	Error = errs.Class("pipeline")

	mon = monkit.Package()
)

// Peer is the sync pipeline process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  *contentdb.DB

	Gateway struct {
		Service *gateway.Gateway
	}

	Detect struct {
		Detector detect.Detector
	}

	Publish struct {
		Service *publish.Service
		Chore   *publish.Chore
	}

	Sync struct {
		Service *syncer.Service
	}

	Freshness struct {
		Service *freshness.Service
	}

	Scheduler struct {
		Service *scheduler.Scheduler
	}

	Server struct {
		Endpoint *server.Server
	}
}

// New assembles the pipeline process on top of an opened store.
func New(log *zap.Logger, db *contentdb.DB, cfg config.Config) (*Peer, error) {
	peer := &Peer{
		Log: log,
		DB:  db,
	}

	{ // setup provider gateway
		peer.Gateway.Service = gateway.NewFromConfig(log.Named("gateway"), cfg.Gateway)
	}

	{ // setup change detection
		peer.Detect.Detector = detect.NewHashDetector(log.Named("detect"))
	}

	{ // setup event publishing
		transport := publish.NewHTTPTransport(cfg.Publisher.Endpoint)
		peer.Publish.Service = publish.NewService(log.Named("publish"), transport, cfg.Publisher)
		peer.Publish.Chore = publish.NewChore(log.Named("publish:chore"), peer.Publish.Service)
	}

	{ // setup sync orchestration
		peer.Sync.Service = syncer.NewService(log.Named("syncer"),
			db, peer.Gateway.Service, peer.Detect.Detector, peer.Publish.Service)
	}

	{ // setup freshness rescoring
		peer.Freshness.Service = freshness.NewService(log.Named("freshness"),
			db, peer.Publish.Service)
	}

	{ // setup job scheduling
		peer.Scheduler.Service = scheduler.New(log.Named("scheduler"), db, cfg.Scheduler)

		syncSchedule := cfg.Scheduler.SyncSchedule
		if syncSchedule == "" {
			syncSchedule = scheduler.DefaultSyncSchedule
		}
		freshnessSchedule := cfg.Scheduler.FreshnessSchedule
		if freshnessSchedule == "" {
			freshnessSchedule = scheduler.DefaultFreshnessSchedule
		}

		err := peer.Scheduler.Service.Register(scheduler.Job{
			Name:     syncer.JobName,
			Schedule: syncSchedule,
			Run: func(ctx context.Context) error {
				_, err := peer.Sync.Service.RunOnce(ctx)
				if syncer.ErrBusy.Has(err) {
					return nil
				}
				return err
			},
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}

		err = peer.Scheduler.Service.Register(scheduler.Job{
			Name:     freshness.JobName,
			Schedule: freshnessSchedule,
			Run: func(ctx context.Context) error {
				_, err := peer.Freshness.Service.UpdateDailyScores(ctx, time.Now().UTC())
				if freshness.ErrBusy.Has(err) {
					return nil
				}
				return err
			},
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	{ // setup operational server
		peer.Server.Endpoint = server.New(log.Named("server"),
			db, peer.Scheduler.Service.Ready, cfg.Server)
	}

	return peer, nil
}

// Run starts every long-running component and blocks until ctx is cancelled
// or one of them fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.Publish.Chore.Run(ctx)
	})
	group.Go(func() error {
		return peer.Scheduler.Service.Run(ctx)
	})
	group.Go(func() error {
		return peer.Server.Endpoint.Run(ctx)
	})
	return group.Wait()
}

// Close releases the peer's resources. The store is owned by the caller.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Publish.Chore.Close(),
	)
}
