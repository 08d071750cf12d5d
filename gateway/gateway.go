// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package gateway fetches canonical content from all configured providers
// in parallel, tolerating partial failure.
package gateway

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ofurkanuygur/search-case-sub000/content"
)

var (
	// Error is the gateway error class.
	Error = errs.Class("gateway")
	// ErrPermanent marks provider failures that retrying cannot fix.
	ErrPermanent = errs.Class("gateway: permanent provider failure")
	// ErrCircuitOpen is returned while a provider circuit is held open.
	ErrCircuitOpen = errs.Class("gateway: provider circuit open")

	mon = monkit.Package()
)

// Config holds the gateway configuration.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// Result is the outcome of one provider's fetch. Exactly one of Contents
// and Err is meaningful.
type Result struct {
	Provider string
	Contents []content.Content
	Err      error
}

// Gateway issues concurrent fetches against every configured provider.
type Gateway struct {
	log     *zap.Logger
	clients []Client
}

// New creates a gateway over the given provider clients.
func New(log *zap.Logger, clients ...Client) *Gateway {
	return &Gateway{log: log, clients: clients}
}

// NewFromConfig creates a gateway with one HTTP client per configured
// provider.
func NewFromConfig(log *zap.Logger, config Config) *Gateway {
	clients := make([]Client, 0, len(config.Providers))
	for _, provider := range config.Providers {
		clients = append(clients, NewHTTPClient(log.Named(provider.Name), provider))
	}
	return New(log, clients...)
}

// Providers lists the configured provider names.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.clients))
	for _, client := range g.clients {
		names = append(names, client.Name())
	}
	return names
}

// FetchAll requests every provider concurrently and returns once each has
// produced a batch or exhausted its retry budget. A failing provider does
// not cancel its peers; its slot carries the error and the caller proceeds
// degraded. Cancelling ctx aborts all outstanding requests. The returned
// map is unordered.
func (g *Gateway) FetchAll(ctx context.Context) (_ map[string]Result, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Result, len(g.clients))
	)

	for _, client := range g.clients {
		wg.Add(1)
		go func(client Client) {
			defer wg.Done()

			contents, err := client.Fetch(ctx)
			if err != nil {
				g.log.Warn("provider fetch failed",
					zap.String("provider", client.Name()), zap.Error(err))
				mon.Counter("provider_fetch_failed").Inc(1)
			} else {
				mon.IntVal("provider_fetch_items").Observe(int64(len(contents)))
			}

			mu.Lock()
			defer mu.Unlock()
			results[client.Name()] = Result{
				Provider: client.Name(),
				Contents: contents,
				Err:      err,
			}
		}(client)
	}
	wg.Wait()

	return results, nil
}
