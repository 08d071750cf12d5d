// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ofurkanuygur/search-case-sub000/content"
)

// fetchPath is the provider endpoint every adapter serves.
const fetchPath = "/api/provider/data"

// ProviderConfig holds per-provider gateway policy.
type ProviderConfig struct {
	Name       string        `yaml:"name"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount uint64        `yaml:"retry_count"`
	RetryBase  time.Duration `yaml:"retry_base"`
	CBFailures uint32        `yaml:"cb_threshold"`
	CBOpenFor  time.Duration `yaml:"cb_open"`
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryCount == 0 {
		c.RetryCount = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.CBFailures == 0 {
		c.CBFailures = 5
	}
	if c.CBOpenFor <= 0 {
		c.CBOpenFor = 30 * time.Second
	}
	return c
}

// Client fetches the canonical batch of one provider.
type Client interface {
	// Name identifies the provider.
	Name() string
	// Fetch returns the provider's current canonical batch.
	Fetch(ctx context.Context) ([]content.Content, error)
}

// HTTPClient implements Client over the provider HTTP endpoint, with a
// per-attempt timeout, jittered exponential-backoff retries and a circuit
// breaker that trips after consecutive failures.
type HTTPClient struct {
	log     *zap.Logger
	config  ProviderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPClient creates a provider client for the given config.
func NewHTTPClient(log *zap.Logger, config ProviderConfig) *HTTPClient {
	config = config.withDefaults()
	c := &HTTPClient{
		log:    log,
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider:" + config.Name,
		MaxRequests: 1,
		Timeout:     config.CBOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.CBFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider circuit state change",
				zap.String("provider", config.Name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// Name implements Client.
func (c *HTTPClient) Name() string { return c.config.Name }

// Fetch implements Client. Transient failures (timeouts, 5xx) are retried
// with exponential backoff and jitter until the retry budget is exhausted;
// permanent failures (4xx, malformed payloads) and an open circuit abort
// immediately.
func (c *HTTPClient) Fetch(ctx context.Context) (batch []content.Content, err error) {
	defer mon.Task()(&ctx)(&err)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.RetryBase
	policy.RandomizationFactor = 0.5

	attempt := func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.fetchOnce(ctx)
		})
		switch {
		case err == nil:
			batch = result.([]content.Content)
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(ErrCircuitOpen.Wrap(err))
		case ErrPermanent.Has(err):
			return backoff.Permanent(err)
		default:
			c.log.Debug("provider fetch attempt failed, retrying",
				zap.String("provider", c.config.Name), zap.Error(err))
			return err
		}
	}

	err = backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, c.config.RetryCount), ctx))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return batch, nil
}

func (c *HTTPClient) fetchOnce(ctx context.Context) ([]content.Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+fetchPath, nil)
	if err != nil {
		return nil, ErrPermanent.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return nil, errs.New("provider %q returned %s", c.config.Name, resp.Status)
	case resp.StatusCode >= 400:
		return nil, ErrPermanent.New("provider %q returned %s", c.config.Name, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.Wrap(err)
	}

	var batch []content.Content
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, ErrPermanent.New("provider %q sent a malformed payload: %v", c.config.Name, err)
	}
	return batch, nil
}

// maxResponseBytes bounds a single provider response.
const maxResponseBytes = 64 << 20
