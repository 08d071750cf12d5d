// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/zeebo/errs"
)

// HTTPTransport posts events to the HTTP-wrapped bus endpoint. The bus is
// asked for at-least-once delivery keyed by batch id.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTransport creates a transport for the given endpoint. The overall
// send deadline comes from the caller's context; the publisher applies its
// send timeout there.
func NewHTTPTransport(endpoint string) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, event BatchChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errs.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Topic", Topic)
	req.Header.Set("X-Partition-Key", event.BatchID)

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New("bus returned %s", resp.Status)
	}
	return nil
}
