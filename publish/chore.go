// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package publish

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// Chore periodically drains the spill log back onto the bus once the
// circuit allows sends again.
//
// architecture: Chore
type Chore struct {
	log     *zap.Logger
	service *Service
	Loop    *sync2.Cycle
}

// NewChore creates the spill-flush chore.
func NewChore(log *zap.Logger, service *Service) *Chore {
	return &Chore{
		log:     log,
		service: service,
		Loop:    sync2.NewCycle(service.config.FlushInterval),
	}
}

// Run runs the flush loop until ctx is cancelled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if chore.service.SpillLen() == 0 {
			return nil
		}
		delivered, err := chore.service.Flush(ctx)
		if delivered > 0 {
			chore.log.Info("flushed spilled events", zap.Int("delivered", delivered))
		}
		if err != nil {
			chore.log.Debug("spill flush interrupted", zap.Error(err))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
