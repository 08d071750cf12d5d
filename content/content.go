// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package content defines the canonical content model shared by every
// component of the sync pipeline: the tag-discriminated record produced by
// provider adapters, its stored form, the content fingerprint and the
// relevance scoring formulas.
package content

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
)

// Error is the content error class.
var Error = errs.Class("content")

// MaxTitleLength is the longest title accepted into the store.
const MaxTitleLength = 1000

// Type discriminates the content variants.
type Type string

// Known content types.
const (
	TypeVideo   Type = "video"
	TypeArticle Type = "article"
)

// Valid reports whether the type is a known discriminator value.
func (t Type) Valid() bool {
	return t == TypeVideo || t == TypeArticle
}

// VideoMetrics holds the variant-specific metrics of a video.
type VideoMetrics struct {
	Views    int64         `json:"views"`
	Likes    int64         `json:"likes"`
	Duration time.Duration `json:"duration"`
}

// ArticleMetrics holds the variant-specific metrics of an article.
type ArticleMetrics struct {
	ReadingTimeMinutes int64 `json:"readingTimeMinutes"`
	Reactions          int64 `json:"reactions"`
	Comments           int64 `json:"comments"`
}

// Content is the canonical, provider-independent content record. It is
// constructed by a provider adapter and immutable afterwards. Exactly one of
// Video and Article is set, matching Type.
type Content struct {
	Type           Type
	ID             string
	Title          string
	PublishedAt    time.Time
	Categories     []string
	SourceProvider string

	Video   *VideoMetrics
	Article *ArticleMetrics
}

// Validate checks the invariants a well-formed canonical record must hold.
// Records failing validation are skipped by the orchestrator, they never
// reach the store.
func (c Content) Validate() error {
	switch {
	case c.ID == "":
		return Error.New("id is empty")
	case c.Title == "":
		return Error.New("title is empty")
	case len(c.Title) > MaxTitleLength:
		return Error.New("title exceeds %d characters: %q", MaxTitleLength, c.Title[:32])
	case c.SourceProvider == "":
		return Error.New("source provider is empty")
	case c.PublishedAt.IsZero():
		return Error.New("published_at is zero")
	}

	switch c.Type {
	case TypeVideo:
		if c.Video == nil || c.Article != nil {
			return Error.New("video content %q has malformed metrics", c.ID)
		}
		if c.Video.Views < 0 || c.Video.Likes < 0 || c.Video.Duration < 0 {
			return Error.New("video content %q has negative metrics", c.ID)
		}
	case TypeArticle:
		if c.Article == nil || c.Video != nil {
			return Error.New("article content %q has malformed metrics", c.ID)
		}
		if c.Article.ReadingTimeMinutes <= 0 {
			return Error.New("article content %q has non-positive reading time", c.ID)
		}
		if c.Article.Reactions < 0 || c.Article.Comments < 0 {
			return Error.New("article content %q has negative metrics", c.ID)
		}
	default:
		return Error.New("content %q is missing a valid discriminator: %q", c.ID, c.Type)
	}
	return nil
}

// Record is the stored form of a canonical record.
type Record struct {
	Content

	Score     decimal.Decimal
	Hash      Hash
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord builds the stored form of a canonical record with its
// fingerprint computed and a zero score placeholder. The score is assigned
// later, and only when change detection classifies the record as created or
// updated.
func NewRecord(c Content) Record {
	return Record{
		Content: c,
		Score:   decimal.Zero,
		Hash:    Fingerprint(c),
		Version: 1,
	}
}
