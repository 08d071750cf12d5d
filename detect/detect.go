// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package detect classifies an incoming provider batch against the stored
// batch by content fingerprint.
package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/ofurkanuygur/search-case-sub000/content"
)

var mon = monkit.Package()

// ChangeType classifies a single incoming record.
type ChangeType string

// Change types.
const (
	ChangeCreated   ChangeType = "created"
	ChangeUpdated   ChangeType = "updated"
	ChangeUnchanged ChangeType = "unchanged"
)

// FieldDelta describes one semantic field difference between the stored and
// the incoming record.
type FieldDelta struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// Result carries the classification of one incoming record.
type Result struct {
	Incoming content.Record
	Previous *content.Record
	Type     ChangeType
	Deltas   []FieldDelta
}

// Detector yields change classifications for an incoming batch. It is an
// interface so a different strategy (e.g. timestamp-based) can substitute
// without touching the orchestrator.
type Detector interface {
	Detect(ctx context.Context, incoming, existing []content.Record) []Result
}

// HashDetector detects changes by fingerprint equality. The hash is the
// source of truth: a record whose incoming hash equals the stored hash is
// unchanged even if other stored fields differ.
type HashDetector struct {
	log *zap.Logger
}

// NewHashDetector creates a hash-based detector.
func NewHashDetector(log *zap.Logger) *HashDetector {
	return &HashDetector{log: log}
}

// Detect classifies each incoming record as created, updated or unchanged.
// Records present in existing but absent from incoming are left alone;
// providers report windows of their catalog, they are not authoritative for
// deletion. Duplicate ids within the incoming batch resolve to the last
// occurrence with a warning.
func (d *HashDetector) Detect(ctx context.Context, incoming, existing []content.Record) (results []Result) {
	defer mon.Task()(&ctx)(nil)

	byID := make(map[string]content.Record, len(existing))
	for _, record := range existing {
		byID[record.ID] = record
	}

	deduped := make([]content.Record, 0, len(incoming))
	position := make(map[string]int, len(incoming))
	for _, record := range incoming {
		if at, seen := position[record.ID]; seen {
			d.log.Warn("duplicate id within incoming batch, last occurrence wins",
				zap.String("id", record.ID),
				zap.String("provider", record.SourceProvider))
			deduped[at] = record
			continue
		}
		position[record.ID] = len(deduped)
		deduped = append(deduped, record)
	}

	results = make([]Result, 0, len(deduped))
	for _, record := range deduped {
		previous, exists := byID[record.ID]
		switch {
		case !exists:
			results = append(results, Result{
				Incoming: record,
				Type:     ChangeCreated,
			})
		case previous.Hash == record.Hash:
			prev := previous
			results = append(results, Result{
				Incoming: record,
				Previous: &prev,
				Type:     ChangeUnchanged,
			})
		default:
			prev := previous
			results = append(results, Result{
				Incoming: record,
				Previous: &prev,
				Type:     ChangeUpdated,
				Deltas:   Diff(previous, record),
			})
		}
	}

	mon.IntVal("detected_total").Observe(int64(len(results)))
	return results
}

// Diff produces the semantic field deltas between a stored record and its
// incoming replacement. Score is excluded: detection runs before scoring,
// so the incoming score is still a placeholder. The orchestrator appends a
// Score delta via ScoreDelta once the new score is assigned.
func Diff(prev, next content.Record) (deltas []FieldDelta) {
	add := func(field, oldValue, newValue string) {
		if oldValue != newValue {
			deltas = append(deltas, FieldDelta{Field: field, Old: oldValue, New: newValue})
		}
	}

	add("Title", prev.Title, next.Title)
	add("PublishedAt", formatInstant(prev.PublishedAt), formatInstant(next.PublishedAt))
	add("Categories", strings.Join(prev.Categories, ","), strings.Join(next.Categories, ","))
	add("SourceProvider", prev.SourceProvider, next.SourceProvider)
	add("Metrics", formatMetrics(prev.Content), formatMetrics(next.Content))
	return deltas
}

// ScoreDelta builds the Score field delta, reported separately because
// scores are assigned after detection.
func ScoreDelta(prev, next content.Record) (FieldDelta, bool) {
	if prev.Score.Equal(next.Score) {
		return FieldDelta{}, false
	}
	return FieldDelta{Field: "Score", Old: prev.Score.String(), New: next.Score.String()}, true
}

func formatInstant(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatMetrics(c content.Content) string {
	switch c.Type {
	case content.TypeVideo:
		if c.Video != nil {
			return fmt.Sprintf("views=%d likes=%d duration=%s",
				c.Video.Views, c.Video.Likes, content.FormatISODuration(c.Video.Duration))
		}
	case content.TypeArticle:
		if c.Article != nil {
			return fmt.Sprintf("readingTime=%d reactions=%d comments=%d",
				c.Article.ReadingTimeMinutes, c.Article.Reactions, c.Article.Comments)
		}
	}
	return ""
}
