// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package publish

import "time"

// Topic is the logical routing identifier of batch change events.
const Topic = "content-batch-updated"

// ChangeType labels a batch change event on the wire.
type ChangeType string

// Wire change types.
const (
	ChangeCreated      ChangeType = "Created"
	ChangeUpdated      ChangeType = "Updated"
	ChangeMixed        ChangeType = "Mixed"
	ChangeScoreUpdated ChangeType = "ScoreUpdated"
)

// Classify maps created/updated counts to the batch-level change type.
// Both zero means there is nothing to publish.
func Classify(created, updated int) (ChangeType, bool) {
	switch {
	case created == 0 && updated == 0:
		return "", false
	case created == 0:
		return ChangeUpdated, true
	case updated == 0:
		return ChangeCreated, true
	default:
		return ChangeMixed, true
	}
}

// BatchChangeEvent is the bus payload describing one batch of content
// changes. Consumers must be idempotent: content ids are duplicate-free
// within one event but not across events.
type BatchChangeEvent struct {
	BatchID        string            `json:"batchId"`
	ContentIDs     []string          `json:"contentIds"`
	ChangeType     ChangeType        `json:"changeType"`
	SourceProvider *string           `json:"sourceProvider"`
	ProcessedAt    time.Time         `json:"processedAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// dedupIDs drops duplicate content ids preserving first occurrence order.
func dedupIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
