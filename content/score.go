// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package content

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scoring weights and recency steps. Intermediate math runs at the division
// precision below and the result is stored at two decimal places.
const scoreDivisionPrecision = 12

var (
	videoEngagementWeight   = decimal.RequireFromString("1.5")
	videoRatioWeight        = decimal.NewFromInt(10)
	articleEngagementWeight = decimal.NewFromInt(1)
	articleRatioWeight      = decimal.NewFromInt(5)

	thousand = decimal.NewFromInt(1000)
	hundred  = decimal.NewFromInt(100)
	fifty    = decimal.NewFromInt(50)
)

// Score computes the relevance score of a canonical record at the given
// instant. It is a pure function: same record and clock, same score. The
// orchestrator invokes it only for created and updated records.
func Score(c Content, now time.Time) decimal.Decimal {
	recency := RecencyScore(c.PublishedAt, now)
	switch c.Type {
	case TypeVideo:
		if c.Video != nil {
			return videoScore(*c.Video, recency)
		}
	case TypeArticle:
		if c.Article != nil {
			return articleScore(*c.Article, recency)
		}
	}
	return decimal.Zero
}

// videoScore = (views/1000 + likes/100) * 1.5 + recency + (likes/max(views,1)) * 10.
func videoScore(m VideoMetrics, recency decimal.Decimal) decimal.Decimal {
	views := decimal.NewFromInt(m.Views)
	likes := decimal.NewFromInt(m.Likes)

	engagement := views.DivRound(thousand, scoreDivisionPrecision).
		Add(likes.DivRound(hundred, scoreDivisionPrecision)).
		Mul(videoEngagementWeight)
	ratio := likes.DivRound(clampOne(views), scoreDivisionPrecision).Mul(videoRatioWeight)

	return clampNonNegative(engagement.Add(recency).Add(ratio).Round(2))
}

// articleScore = (reading_time + reactions/50) * 1.0 + recency + (reactions/max(reading_time,1)) * 5.
func articleScore(m ArticleMetrics, recency decimal.Decimal) decimal.Decimal {
	readingTime := decimal.NewFromInt(m.ReadingTimeMinutes)
	reactions := decimal.NewFromInt(m.Reactions)

	engagement := readingTime.Add(reactions.DivRound(fifty, scoreDivisionPrecision)).
		Mul(articleEngagementWeight)
	ratio := reactions.DivRound(clampOne(readingTime), scoreDivisionPrecision).Mul(articleRatioWeight)

	return clampNonNegative(engagement.Add(recency).Add(ratio).Round(2))
}

// RecencyScore is the shared step function over age since publication:
// 5 up to and including seven days, 3 up to thirty, 1 up to ninety, then 0.
// Content published in the future counts as age zero.
func RecencyScore(publishedAt, now time.Time) decimal.Decimal {
	age := now.Sub(publishedAt)
	if age < 0 {
		age = 0
	}
	switch {
	case age <= 7*24*time.Hour:
		return decimal.NewFromInt(5)
	case age <= 30*24*time.Hour:
		return decimal.NewFromInt(3)
	case age <= 90*24*time.Hour:
		return decimal.NewFromInt(1)
	default:
		return decimal.Zero
	}
}

// clampOne guards ratio denominators against division by zero.
func clampOne(d decimal.Decimal) decimal.Decimal {
	if d.LessThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return d
}

func clampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
