// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package content

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wireContent is the tag-discriminated canonical JSON shape used for
// provider responses and debug exports. Instants are RFC3339 and durations
// ISO-8601 (PT22M45S).
type wireContent struct {
	Type           Type            `json:"type"`
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	PublishedAt    time.Time       `json:"publishedAt"`
	Categories     []string        `json:"categories"`
	SourceProvider string          `json:"sourceProvider,omitempty"`
	Metrics        json.RawMessage `json:"metrics"`
}

type wireVideoMetrics struct {
	Views    int64  `json:"views"`
	Likes    int64  `json:"likes"`
	Duration string `json:"duration"`
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	wire := wireContent{
		Type:           c.Type,
		ID:             c.ID,
		Title:          c.Title,
		PublishedAt:    c.PublishedAt.UTC(),
		Categories:     c.Categories,
		SourceProvider: c.SourceProvider,
	}

	metrics, err := MarshalMetrics(c)
	if err != nil {
		return nil, err
	}
	wire.Metrics = metrics
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	var wire wireContent
	if err := json.Unmarshal(data, &wire); err != nil {
		return Error.Wrap(err)
	}

	*c = Content{
		Type:           wire.Type,
		ID:             wire.ID,
		Title:          wire.Title,
		PublishedAt:    wire.PublishedAt.UTC(),
		Categories:     wire.Categories,
		SourceProvider: wire.SourceProvider,
	}

	return UnmarshalMetrics(wire.Type, wire.Metrics, c)
}

// MarshalMetrics encodes the variant metrics as the canonical JSON object.
// The same shape is used on the wire and in the store's metrics column.
func MarshalMetrics(c Content) ([]byte, error) {
	switch c.Type {
	case TypeVideo:
		if c.Video == nil {
			return nil, Error.New("video content %q has no metrics", c.ID)
		}
		data, err := json.Marshal(wireVideoMetrics{
			Views:    c.Video.Views,
			Likes:    c.Video.Likes,
			Duration: FormatISODuration(c.Video.Duration),
		})
		return data, Error.Wrap(err)
	case TypeArticle:
		if c.Article == nil {
			return nil, Error.New("article content %q has no metrics", c.ID)
		}
		data, err := json.Marshal(c.Article)
		return data, Error.Wrap(err)
	default:
		return nil, Error.New("content %q is missing a valid discriminator: %q", c.ID, c.Type)
	}
}

// UnmarshalMetrics decodes a canonical metrics object of the given type
// into the matching variant of c.
func UnmarshalMetrics(t Type, data []byte, c *Content) error {
	switch t {
	case TypeVideo:
		var metrics wireVideoMetrics
		if err := json.Unmarshal(data, &metrics); err != nil {
			return Error.Wrap(err)
		}
		duration, err := ParseISODuration(metrics.Duration)
		if err != nil {
			return Error.Wrap(err)
		}
		c.Video = &VideoMetrics{
			Views:    metrics.Views,
			Likes:    metrics.Likes,
			Duration: duration,
		}
	case TypeArticle:
		var metrics ArticleMetrics
		if err := json.Unmarshal(data, &metrics); err != nil {
			return Error.Wrap(err)
		}
		c.Article = &metrics
	default:
		return Error.New("content %q is missing a valid discriminator: %q", c.ID, t)
	}
	return nil
}

// FormatISODuration renders a duration in ISO-8601 form, e.g. PT22M45S.
// Sub-second precision is truncated; the canonical model stores durations at
// second precision.
func FormatISODuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	var b strings.Builder
	b.WriteString("PT")
	if hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dM", minutes)
	}
	if seconds > 0 || (hours == 0 && minutes == 0) {
		fmt.Fprintf(&b, "%dS", seconds)
	}
	return b.String()
}

// ParseISODuration parses the time portion of an ISO-8601 duration
// (PTnHnMnS). The date designators providers never send (years, months) are
// rejected; days are accepted since a few providers report them.
func ParseISODuration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, Error.New("invalid ISO-8601 duration %q", orig)
	}
	s = s[1:]

	var days, hours, minutes, seconds int64
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart := s[:i], s[i+1:]
		if timePart == "" {
			return 0, Error.New("invalid ISO-8601 duration %q", orig)
		}
		if err := parseDesignators(datePart, map[byte]*int64{'D': &days}, orig); err != nil {
			return 0, err
		}
		if err := parseDesignators(timePart, map[byte]*int64{'H': &hours, 'M': &minutes, 'S': &seconds}, orig); err != nil {
			return 0, err
		}
	} else {
		if err := parseDesignators(s, map[byte]*int64{'D': &days}, orig); err != nil {
			return 0, err
		}
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	return total, nil
}

func parseDesignators(s string, dests map[byte]*int64, orig string) error {
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= '0' && ch <= '9' {
			continue
		}
		dest, ok := dests[ch]
		if !ok || i == start {
			return Error.New("invalid ISO-8601 duration %q", orig)
		}
		value, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return Error.New("invalid ISO-8601 duration %q", orig)
		}
		*dest = value
		start = i + 1
	}
	if start != len(s) {
		return Error.New("invalid ISO-8601 duration %q", orig)
	}
	return nil
}
