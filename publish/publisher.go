// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package publish posts batched change events to the message bus, with a
// circuit breaker and a bounded local spill for outages. The publisher is
// fire and forget from the orchestrator's perspective: a publish failure
// changes internal state, never the cycle outcome.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the publisher error class.
	Error = errs.Class("publish")

	mon = monkit.Package()
)

// Outcome is the result of a publish attempt.
type Outcome string

// Publish outcomes.
const (
	// Delivered means the bus accepted the event.
	Delivered Outcome = "delivered"
	// Buffered means the event went to the local spill log.
	Buffered Outcome = "buffered"
	// Dropped means the event was discarded.
	Dropped Outcome = "dropped"
)

// Publisher posts batch change events.
type Publisher interface {
	Publish(ctx context.Context, event BatchChangeEvent) Outcome
}

// Transport delivers a single event to the bus. The transport choice (HTTP
// wrapper, broker client) is made at construction time.
type Transport interface {
	Send(ctx context.Context, event BatchChangeEvent) error
}

// Config holds publisher configuration.
type Config struct {
	Endpoint      string        `yaml:"endpoint"`
	CBFailures    uint32        `yaml:"cb_threshold"`
	CBOpenFor     time.Duration `yaml:"cb_open"`
	SpillCapacity int           `yaml:"spill_capacity"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (c Config) withDefaults() Config {
	if c.CBFailures == 0 {
		c.CBFailures = 3
	}
	if c.CBOpenFor <= 0 {
		c.CBOpenFor = 30 * time.Second
	}
	if c.SpillCapacity <= 0 {
		c.SpillCapacity = 100
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 15 * time.Second
	}
	return c
}

// Service is the bus publisher. Sends run under a short timeout behind a
// circuit breaker; while the circuit is open events spill to a bounded ring
// buffer that the flush chore drains once the bus recovers.
type Service struct {
	log       *zap.Logger
	config    Config
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	spill     *spillLog
}

// NewService creates a publisher over the given transport.
func NewService(log *zap.Logger, transport Transport, config Config) *Service {
	config = config.withDefaults()
	service := &Service{
		log:       log,
		config:    config,
		transport: transport,
		spill:     newSpillLog(config.SpillCapacity),
	}
	service.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus-publisher",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     config.CBOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= config.CBFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("publisher circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return service
}

// Publish implements Publisher. It never blocks the caller beyond the send
// timeout and never returns an error: on any failure the event is buffered
// locally.
func (service *Service) Publish(ctx context.Context, event BatchChangeEvent) Outcome {
	var err error
	defer mon.Task()(&ctx)(&err)

	event.ContentIDs = dedupIDs(event.ContentIDs)
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}

	err = service.send(ctx, event)
	if err == nil {
		mon.Counter("publish_delivered").Inc(1)
		service.log.Debug("event delivered",
			zap.String("batch", event.BatchID),
			zap.String("change type", string(event.ChangeType)),
			zap.Int("ids", len(event.ContentIDs)))
		return Delivered
	}

	service.spill.Append(event)
	mon.Counter("publish_buffered").Inc(1)
	service.log.Warn("event buffered to spill log",
		zap.String("batch", event.BatchID),
		zap.Int("spilled", service.spill.Len()),
		zap.Int64("dropped", service.spill.Dropped()),
		zap.Error(err))
	return Buffered
}

func (service *Service) send(ctx context.Context, event BatchChangeEvent) error {
	_, err := service.breaker.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, service.config.SendTimeout)
		defer cancel()
		return nil, service.transport.Send(sendCtx, event)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			mon.Counter("publish_circuit_open").Inc(1)
		}
		return Error.Wrap(err)
	}
	return nil
}

// Flush redelivers spilled events in order, stopping at the first failure.
// Returns how many events were delivered.
func (service *Service) Flush(ctx context.Context) (delivered int, err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		event, ok := service.spill.PopFront()
		if !ok {
			return delivered, nil
		}
		if err := service.send(ctx, event); err != nil {
			service.spill.PushFront(event)
			return delivered, err
		}
		delivered++
		mon.Counter("publish_flushed").Inc(1)
	}
}

// CircuitState exposes the breaker state for the observability surface.
func (service *Service) CircuitState() gobreaker.State { return service.breaker.State() }

// SpillLen returns the number of events waiting in the spill log.
func (service *Service) SpillLen() int { return service.spill.Len() }

// SpillDropped returns how many events overflowed the spill log.
func (service *Service) SpillDropped() int64 { return service.spill.Dropped() }
