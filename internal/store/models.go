package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("history entry not found")
	ErrDuplicateID = errors.New("history entry id already exists")
)

type Format string

const (
	FormatKeyframe Format = "keyframe"
	FormatDelta    Format = "delta"
)

// Entry is one captured revision of a document.
type Entry struct {
	ID            string    `cbor:"id"`
	Sequence      int64     `cbor:"seq"`
	Timestamp     time.Time `cbor:"ts"`
	RecordedAt    time.Time `cbor:"recorded_at"`
	Content       string    `cbor:"content"`
	Canonical     string    `cbor:"canonical"`
	ByteSize      int64     `cbor:"size"`
	Hash          string    `cbor:"hash"`
	HashAlgorithm string    `cbor:"alg"`
	Label         string    `cbor:"label"`
	Reason        string    `cbor:"reason"`
	Manual        bool      `cbor:"manual"`
	Occurrences   int       `cbor:"occurrences"`
	Format        Format    `cbor:"format"`
}

func (e Entry) HashKey() string {
	return HashKey(e.HashAlgorithm, e.Hash)
}

// HashKey namespaces a digest by algorithm so that digests produced by
// different algorithms never share an index slot.
func HashKey(algorithm, hash string) string {
	return algorithm + ":" + hash
}

// HashRecord points a hash key at the most recent live entry holding it.
type HashRecord struct {
	Key      string
	Sequence int64
}
