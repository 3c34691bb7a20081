package history

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"revstore/internal/store"
)

const previewRunes = 120

// Reasons reported when a capture does not produce a new entry.
const (
	ReasonDebounced = "debounced"
	ReasonDuplicate = "duplicate"
	ReasonLocked    = "locked"
	ReasonUnchanged = "unchanged"
)

type EntryMeta struct {
	Reason        string    `json:"reason"`
	Occurrences   int       `json:"occurrences"`
	Manual        bool      `json:"manual"`
	RecordedAt    time.Time `json:"recordedAt"`
	Hash          string    `json:"hash"`
	HashAlgorithm string    `json:"hashAlgorithm"`
}

type EntryView struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Preview   string    `json:"preview"`
	Label     string    `json:"label"`
	ByteSize  int64     `json:"byteSize"`
	HumanSize string    `json:"humanSizeLabel"`
	Current   bool      `json:"current"`
	Meta      EntryMeta `json:"meta"`
}

type Outcome struct {
	Recorded bool       `json:"recorded"`
	Reason   string     `json:"reason,omitempty"`
	Entry    *EntryView `json:"entry,omitempty"`
	// Unlocked is set when the write ran without the shared lock.
	Unlocked bool `json:"unlocked,omitempty"`
	Evicted  int  `json:"evicted,omitempty"`
}

type StatsView struct {
	Count           int        `json:"count"`
	ByteSize        int64      `json:"byteSize"`
	HumanSize       string     `json:"humanSizeLabel"`
	LatestTimestamp *time.Time `json:"latestTimestamp"`
	LatestLabel     string     `json:"latestLabel"`
	BudgetBytes     int64      `json:"budgetBytes"`
	Current         string     `json:"current,omitempty"`
	SessionOnly     bool       `json:"sessionOnly"`
}

func newEntryView(entry store.Entry, current string) *EntryView {
	return &EntryView{
		ID:        entry.ID,
		Sequence:  entry.Sequence,
		Timestamp: entry.Timestamp,
		Content:   entry.Content,
		Preview:   preview(entry.Content),
		Label:     entry.Label,
		ByteSize:  entry.ByteSize,
		HumanSize: humanSize(entry.ByteSize),
		Current:   entry.ID == current,
		Meta: EntryMeta{
			Reason:        entry.Reason,
			Occurrences:   entry.Occurrences,
			Manual:        entry.Manual,
			RecordedAt:    entry.RecordedAt,
			Hash:          entry.Hash,
			HashAlgorithm: entry.HashAlgorithm,
		},
	}
}

func preview(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(collapsed) <= previewRunes {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:previewRunes]) + "…"
}

func humanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
