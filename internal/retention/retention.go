// Package retention decides which history entries to evict so that a
// document's history stays inside its entry cap and byte budget.
package retention

import (
	"sort"
	"time"

	"revstore/internal/store"
)

type Options struct {
	BudgetBytes int64
	MaxEntries  int
	Now         time.Time
	// Current is the id of the entry the live document matches. It is never
	// evicted for budget reasons.
	Current string
}

// band groups entries up to maxAge old into buckets of the given width.
// A zero maxAge matches everything older than the previous band.
type band struct {
	maxAge      time.Duration
	granularity time.Duration
}

var bands = []band{
	{maxAge: time.Hour, granularity: time.Minute},
	{maxAge: 24 * time.Hour, granularity: 10 * time.Minute},
	{maxAge: 7 * 24 * time.Hour, granularity: time.Hour},
	{maxAge: 0, granularity: 24 * time.Hour},
}

type bucketKey struct {
	band   int
	bucket int64
}

func bucketFor(ts, now time.Time) bucketKey {
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	for i, b := range bands {
		if b.maxAge == 0 || age <= b.maxAge {
			return bucketKey{band: i, bucket: ts.UnixNano() / int64(b.granularity)}
		}
	}
	last := len(bands) - 1
	return bucketKey{band: last, bucket: ts.UnixNano() / int64(bands[last].granularity)}
}

func older(a, b store.Entry) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.Sequence < b.Sequence
	}
	return a.Timestamp.Before(b.Timestamp)
}

// Plan returns the sequences to delete, in the order they should be deleted.
// The count cap applies first and ignores the manual flag but always keeps the
// most recent entry. The byte budget then thins each age bucket down to its
// newest entry, oldest first, and only touches bucket representatives if
// thinning alone cannot reach the budget. Manual entries and the current
// entry are never evicted for budget reasons.
func Plan(entries []store.Entry, opts Options) []int64 {
	if len(entries) == 0 {
		return nil
	}
	live := make([]store.Entry, len(entries))
	copy(live, entries)
	sort.SliceStable(live, func(i, j int) bool { return older(live[i], live[j]) })

	var evict []int64
	if opts.MaxEntries > 0 && len(live) > opts.MaxEntries {
		excess := len(live) - opts.MaxEntries
		for _, entry := range live[:excess] {
			evict = append(evict, entry.Sequence)
		}
		live = live[excess:]
	}

	if opts.BudgetBytes <= 0 {
		return evict
	}
	var total int64
	for _, entry := range live {
		total += entry.ByteSize
	}
	if total <= opts.BudgetBytes {
		return evict
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	representative := make(map[bucketKey]int)
	for i, entry := range live {
		if exempt(entry, opts) {
			continue
		}
		key := bucketFor(entry.Timestamp, now)
		if current, ok := representative[key]; !ok || older(live[current], entry) {
			representative[key] = i
		}
	}
	isRepresentative := make(map[int]bool, len(representative))
	for _, i := range representative {
		isRepresentative[i] = true
	}

	var candidates, fallback []int
	for i, entry := range live {
		switch {
		case exempt(entry, opts):
		case isRepresentative[i]:
			fallback = append(fallback, i)
		default:
			candidates = append(candidates, i)
		}
	}

	for _, group := range [][]int{candidates, fallback} {
		for _, i := range group {
			if total <= opts.BudgetBytes {
				return evict
			}
			evict = append(evict, live[i].Sequence)
			total -= live[i].ByteSize
		}
	}
	return evict
}

func exempt(entry store.Entry, opts Options) bool {
	return entry.Manual || (opts.Current != "" && entry.ID == opts.Current)
}
