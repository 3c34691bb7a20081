// Package history records revisions of one document, deduplicating
// semantically identical states and keeping the stored total inside a byte
// budget.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"revstore/internal/canon"
	"revstore/internal/config"
	"revstore/internal/digest"
	"revstore/internal/lock"
	"revstore/internal/retention"
	"revstore/internal/store"
	"revstore/internal/util"
)

type Settings struct {
	Document       string
	BudgetBytes    int64
	MaxEntries     int
	DebounceWindow time.Duration
	MinByteDelta   int64
	Now            func() time.Time
}

func DefaultSettings() Settings {
	return Settings{
		BudgetBytes:    config.DefaultBudgetBytes,
		MaxEntries:     500,
		DebounceWindow: 10 * time.Second,
		MinByteDelta:   200,
		Now:            time.Now,
	}
}

func SettingsFromConfig(cfg config.Config, document string) Settings {
	return Settings{
		Document:       document,
		BudgetBytes:    cfg.BudgetBytes,
		MaxEntries:     cfg.MaxEntries,
		DebounceWindow: cfg.DebounceWindow,
		MinByteDelta:   cfg.MinByteDelta,
		Now:            time.Now,
	}
}

type Stats struct {
	Count      int
	TotalBytes int64
	Latest     *store.Entry
}

type ListOptions struct {
	NewestFirst bool
	Limit       int
}

type ClearOptions struct {
	KeepLatest    bool
	LatestContent string
	Label         string
}

// Service is the history of one editing session. Methods are safe for
// concurrent use; sessions sharing a backend coordinate through the locker.
type Service struct {
	mu       sync.Mutex
	backend  store.Backend
	locker   *lock.Locker
	digester *digest.Digester
	settings Settings

	loaded  bool
	stats   Stats
	current string

	sessionOnly bool
}

// New creates a Service. locker may be nil when the backend is private to
// this session.
func New(backend store.Backend, locker *lock.Locker, digester *digest.Digester, settings Settings) *Service {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if digester == nil {
		digester = digest.New()
	}
	return &Service{
		backend:  backend,
		locker:   locker,
		digester: digester,
		settings: settings,
	}
}

// Initialize wipes the history and seeds it with content.
func (s *Service) Initialize(ctx context.Context, content string, meta Meta) (Outcome, error) {
	return s.Reset(ctx, content, meta)
}

func (s *Service) Reset(ctx context.Context, content string, meta Meta) (Outcome, error) {
	meta, err := meta.normalize()
	if err != nil {
		return Outcome{}, err
	}
	if meta.Reason == "" {
		meta.Reason = ReasonInitial
	}
	meta.Force = true
	return s.wipeAndSeed(ctx, content, meta)
}

// Clear wipes the history. With KeepLatest the supplied content is stored
// again as the only entry so in-progress edits survive.
func (s *Service) Clear(ctx context.Context, opts ClearOptions) (Outcome, error) {
	content := ""
	if opts.KeepLatest {
		content = opts.LatestContent
	}
	meta, err := Meta{Label: opts.Label, Reason: ReasonClear, Force: true}.normalize()
	if err != nil {
		return Outcome{}, err
	}
	return s.wipeAndSeed(ctx, content, meta)
}

func (s *Service) wipeAndSeed(ctx context.Context, content string, meta Meta) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, unlocked, err := s.guard(ctx)
	if err != nil {
		return Outcome{Reason: ReasonLocked}, nil
	}
	defer release()

	if err := s.backend.Reset(ctx); err != nil {
		return Outcome{}, s.fail(ctx, err)
	}
	s.current = ""
	s.stats = Stats{}
	s.loaded = true

	if strings.TrimSpace(content) == "" {
		return Outcome{Reason: ReasonUnchanged, Unlocked: unlocked}, nil
	}
	outcome, err := s.capture(ctx, content, canon.Canonicalize(content), meta)
	outcome.Unlocked = unlocked
	return outcome, err
}

// Record captures content as a new revision unless it is blank, debounced,
// or identical to a stored revision.
func (s *Service) Record(ctx context.Context, content string, meta Meta) (Outcome, error) {
	meta, err := meta.normalize()
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(content) == "" && !meta.Force {
		return Outcome{Reason: ReasonUnchanged}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLatest(ctx, meta); err != nil {
		return Outcome{}, err
	}

	canonical := canon.Canonicalize(content)
	if s.debounced(canonical, meta) {
		return Outcome{Reason: ReasonDebounced}, nil
	}

	release, unlocked, err := s.guard(ctx)
	if err != nil {
		return Outcome{Reason: ReasonLocked}, nil
	}
	defer release()

	outcome, err := s.capture(ctx, content, canonical, meta)
	outcome.Unlocked = unlocked
	return outcome, err
}

// debounced reports whether an automatic capture is too close to the latest
// entry in both time and size. Exact repeats of the latest entry are left to
// dedup so they are counted.
func (s *Service) debounced(canonical string, meta Meta) bool {
	latest := s.stats.Latest
	if meta.Manual || meta.Force || latest == nil || latest.Canonical == canonical {
		return false
	}
	if s.settings.DebounceWindow <= 0 {
		return false
	}
	if s.now().Sub(latest.Timestamp) >= s.settings.DebounceWindow {
		return false
	}
	delta := int64(len(canonical)) - latest.ByteSize
	if delta < 0 {
		delta = -delta
	}
	return delta < s.settings.MinByteDelta
}

// capture runs with s.mu held and the lock acquired (or given up on).
func (s *Service) capture(ctx context.Context, content, canonical string, meta Meta) (Outcome, error) {
	sum := s.digester.Sum(ctx, []byte(canonical))
	key := store.HashKey(sum.Algorithm, sum.Hash)
	now := s.now()

	if !meta.Force {
		entry, found, err := s.bump(ctx, key, canonical, meta, now)
		if err != nil {
			return Outcome{}, s.fail(ctx, err)
		}
		if found {
			s.current = entry.ID
			evicted, err := s.enforceRetention(ctx)
			if err != nil {
				return Outcome{}, s.fail(ctx, err)
			}
			return Outcome{Reason: ReasonDuplicate, Entry: newEntryView(entry, s.current), Evicted: evicted}, nil
		}
	}

	entry := store.Entry{
		ID:            util.NewID("rev"),
		Timestamp:     now,
		RecordedAt:    now,
		Content:       content,
		Canonical:     canonical,
		ByteSize:      int64(len(canonical)),
		Hash:          sum.Hash,
		HashAlgorithm: sum.Algorithm,
		Label:         meta.label(),
		Reason:        meta.reason(),
		Manual:        meta.Manual,
		Occurrences:   1,
		Format:        store.FormatKeyframe,
	}
	stored, err := s.backend.Append(ctx, entry)
	if errors.Is(err, store.ErrDuplicateID) {
		entry.ID = util.NewID("rev")
		stored, err = s.backend.Append(ctx, entry)
	}
	if err != nil {
		return Outcome{}, s.fail(ctx, err)
	}
	if err := s.backend.UpsertHash(ctx, store.HashRecord{Key: key, Sequence: stored.Sequence}); err != nil {
		return Outcome{}, s.fail(ctx, err)
	}
	s.current = stored.ID

	evicted, err := s.enforceRetention(ctx)
	if err != nil {
		return Outcome{}, s.fail(ctx, err)
	}
	return Outcome{Recorded: true, Entry: newEntryView(stored, s.current), Evicted: evicted}, nil
}

// bump looks for a stored entry with identical canonical text and counts
// the repeat on it.
func (s *Service) bump(ctx context.Context, key, canonical string, meta Meta, now time.Time) (store.Entry, bool, error) {
	record, err := s.backend.LookupHash(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, err
	}

	existing, err := s.backend.Get(ctx, record.Sequence)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.backend.RemoveHash(ctx, key); err != nil {
			return store.Entry{}, false, err
		}
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, err
	}
	if existing.Canonical != canonical {
		log.Printf("history: %s: digest collision on %s, storing separately", s.settings.Document, key)
		return store.Entry{}, false, nil
	}

	existing.Occurrences++
	existing.Manual = existing.Manual || meta.Manual
	existing.Timestamp = now
	if meta.Label != "" {
		existing.Label = meta.Label
	}
	if meta.Reason != "" {
		existing.Reason = meta.Reason
	}
	if err := s.backend.Update(ctx, existing); err != nil {
		return store.Entry{}, false, err
	}
	return existing, true, nil
}

func (s *Service) enforceRetention(ctx context.Context) (int, error) {
	entries, err := s.backend.Scan(ctx)
	if err != nil {
		return 0, err
	}
	plan := retention.Plan(entries, retention.Options{
		BudgetBytes: s.settings.BudgetBytes,
		MaxEntries:  s.settings.MaxEntries,
		Now:         s.now(),
		Current:     s.current,
	})
	if len(plan) == 0 {
		s.refreshFrom(entries)
		return 0, nil
	}

	evicted := make(map[int64]bool, len(plan))
	for _, sequence := range plan {
		if err := s.backend.Delete(ctx, sequence); err != nil {
			return 0, err
		}
		evicted[sequence] = true
	}

	survivors := make([]store.Entry, 0, len(entries)-len(plan))
	touched := make(map[string]bool)
	for _, entry := range entries {
		if evicted[entry.Sequence] {
			touched[entry.HashKey()] = true
			continue
		}
		survivors = append(survivors, entry)
	}

	for key := range touched {
		if err := s.repointHash(ctx, key, evicted, survivors); err != nil {
			return 0, err
		}
	}

	s.refreshFrom(survivors)
	log.Printf("history: %s: evicted %d entries, %d remain (%d bytes)", s.settings.Document, len(plan), s.stats.Count, s.stats.TotalBytes)
	return len(plan), nil
}

// repointHash moves an index record off evicted entries onto the newest
// survivor sharing the key, or drops it.
func (s *Service) repointHash(ctx context.Context, key string, evicted map[int64]bool, survivors []store.Entry) error {
	record, err := s.backend.LookupHash(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !evicted[record.Sequence] {
		return nil
	}

	var newest *store.Entry
	for i := range survivors {
		if survivors[i].HashKey() != key {
			continue
		}
		if newest == nil || newer(survivors[i], *newest) {
			newest = &survivors[i]
		}
	}
	if newest == nil {
		return s.backend.RemoveHash(ctx, key)
	}
	return s.backend.UpsertHash(ctx, store.HashRecord{Key: key, Sequence: newest.Sequence})
}

func newer(a, b store.Entry) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.Sequence > b.Sequence
	}
	return a.Timestamp.After(b.Timestamp)
}

func (s *Service) refreshFrom(entries []store.Entry) {
	stats := Stats{Count: len(entries)}
	currentLive := false
	for i := range entries {
		stats.TotalBytes += entries[i].ByteSize
		if stats.Latest == nil || newer(entries[i], *stats.Latest) {
			latest := entries[i]
			stats.Latest = &latest
		}
		if entries[i].ID == s.current {
			currentLive = true
		}
	}
	if !currentLive {
		s.current = ""
	}
	s.stats = stats
	s.loaded = true
}

func (s *Service) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	return s.refresh(ctx)
}

// loadLatest makes the latest entry available to debounce. Other sessions
// may append to a shared backend, so the cache is only trusted when no
// locker is configured.
func (s *Service) loadLatest(ctx context.Context, meta Meta) error {
	if s.locker != nil && !meta.Manual && !meta.Force {
		return s.refresh(ctx)
	}
	return s.ensureLoaded(ctx)
}

func (s *Service) refresh(ctx context.Context) error {
	entries, err := s.backend.Scan(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.refreshFrom(entries)
	return nil
}

// guard takes the shared lock. When the lock stays busy or its store
// fails, the write proceeds unlocked. An error means ctx ended while
// waiting.
func (s *Service) guard(ctx context.Context) (func(), bool, error) {
	noop := func() {}
	if s.locker == nil {
		return noop, false, nil
	}
	acquired, err := s.locker.Acquire(ctx)
	if !acquired && ctx.Err() != nil {
		return noop, false, ctx.Err()
	}
	if err != nil {
		log.Printf("history: %s: lock store failed, writing unlocked: %v", s.settings.Document, err)
		return noop, true, nil
	}
	if !acquired {
		log.Printf("history: %s: lock %s busy, writing unlocked", s.settings.Document, s.locker.Key())
		return noop, true, nil
	}
	return func() {
		err := s.locker.Release(context.Background())
		if errors.Is(err, lock.ErrNotHeld) {
			log.Printf("history: %s: lock %s expired before release", s.settings.Document, s.locker.Key())
		} else if err != nil {
			log.Printf("history: %s: release lock %s: %v", s.settings.Document, s.locker.Key(), err)
		}
	}, false, nil
}

// fail switches the session to an in-memory backend the first time the
// durable backend errors. The error is reported once; later calls run
// against the session-only history. Errors caused by the caller's context
// ending leave the backend in place.
func (s *Service) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("history %s: %w", s.settings.Document, err)
	}
	if s.sessionOnly {
		return fmt.Errorf("session history: %w", err)
	}
	log.Printf("history: %s: storage unavailable, keeping session-only history: %v", s.settings.Document, err)
	_ = s.backend.Close()
	s.backend = store.NewMemoryBackend()
	s.locker = nil
	s.sessionOnly = true
	s.stats = Stats{}
	s.current = ""
	s.loaded = true
	return historyError(CodeStorageUnavailable, "history storage is unavailable; changes are kept for this session only", err)
}

// MarkCurrent records which entry the live document now matches. Unknown ids
// are ignored and reported as false.
func (s *Service) MarkCurrent(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.backend.GetByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, s.fail(ctx, err)
	}
	s.current = id
	return true, nil
}

func (s *Service) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Entries lists live entries ordered by their last capture time.
func (s *Service) Entries(ctx context.Context, opts ListOptions) ([]EntryView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.backend.Scan(ctx)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	s.refreshFrom(entries)

	sort.SliceStable(entries, func(i, j int) bool {
		if opts.NewestFirst {
			return newer(entries[i], entries[j])
		}
		return newer(entries[j], entries[i])
	})
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, *newEntryView(entry, s.current))
	}
	return views, nil
}

// EntryByID returns nil when no live entry has the id.
func (s *Service) EntryByID(ctx context.Context, id string) (*EntryView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.backend.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return newEntryView(entry, s.current), nil
}

func (s *Service) Stats(ctx context.Context) (StatsView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(ctx); err != nil {
		return StatsView{}, err
	}
	view := StatsView{
		Count:       s.stats.Count,
		ByteSize:    s.stats.TotalBytes,
		HumanSize:   humanSize(s.stats.TotalBytes),
		BudgetBytes: s.settings.BudgetBytes,
		Current:     s.current,
		SessionOnly: s.sessionOnly,
	}
	if latest := s.stats.Latest; latest != nil {
		ts := latest.Timestamp
		view.LatestTimestamp = &ts
		view.LatestLabel = latest.Label
	}
	return view, nil
}

func (s *Service) SessionOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionOnly
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

func (s *Service) now() time.Time {
	return s.settings.Now()
}
