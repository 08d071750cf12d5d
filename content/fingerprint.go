// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package content

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"
)

// HashSize is the fingerprint digest size in bytes.
const HashSize = sha256.Size

// Hash is the 256-bit content fingerprint driving change detection.
type Hash [HashSize]byte

// String returns the hex form stored in the database.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

// HashFromString parses the hex form of a fingerprint.
func HashFromString(s string) (h Hash, err error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, Error.Wrap(err)
	}
	if len(raw) != HashSize {
		return Hash{}, Error.New("fingerprint must be %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Fingerprint computes the stable content hash of a canonical record.
//
// The digest is deterministic across hosts, architectures and process
// restarts: fields are hashed in a fixed order (type, id, title,
// published_at as RFC3339 UTC, categories in the order given,
// source_provider, then the variant metrics in a fixed field order), each
// field length-prefixed so that adjacent fields cannot alias. Integers are
// encoded as decimal text and durations in ISO-8601 form.
//
// Categories are ordered: reordering by an adapter changes the digest.
// Adapters wanting set semantics must normalize order before mapping.
func Fingerprint(c Content) Hash {
	digest := sha256.New()
	field := func(s string) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(s)))
		_, _ = digest.Write(length[:])
		_, _ = digest.Write([]byte(s))
	}

	field(string(c.Type))
	field(c.ID)
	field(c.Title)
	field(c.PublishedAt.UTC().Format(time.RFC3339))
	field(strconv.Itoa(len(c.Categories)))
	for _, category := range c.Categories {
		field(category)
	}
	field(c.SourceProvider)

	switch c.Type {
	case TypeVideo:
		if c.Video != nil {
			field(strconv.FormatInt(c.Video.Views, 10))
			field(strconv.FormatInt(c.Video.Likes, 10))
			field(FormatISODuration(c.Video.Duration))
		}
	case TypeArticle:
		if c.Article != nil {
			field(strconv.FormatInt(c.Article.ReadingTimeMinutes, 10))
			field(strconv.FormatInt(c.Article.Reactions, 10))
			field(strconv.FormatInt(c.Article.Comments, 10))
		}
	}

	var h Hash
	copy(h[:], digest.Sum(nil))
	return h
}
