package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"revstore/internal/config"
	"revstore/internal/digest"
	"revstore/internal/history"
	"revstore/internal/lock"
	"revstore/internal/store"
)

var documentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Backends holds the shared connections document histories are opened on.
// Postgres wins over Redis; with neither, histories live in memory.
type Backends struct {
	DB          *sql.DB
	Redis       *redis.Client
	LockOptions lock.Options
}

func (b Backends) Kind() string {
	switch {
	case b.DB != nil:
		return "postgres"
	case b.Redis != nil:
		return "redis"
	default:
		return "memory"
	}
}

// Open returns the backend and cross-session locker for one document. The
// memory backend is private to a single Service, so it needs no locker.
func (b Backends) Open(_ context.Context, document string) (store.Backend, *lock.Locker, error) {
	key := "revstore:lock:" + document
	switch {
	case b.DB != nil:
		return store.NewPostgresBackend(b.DB, document), lock.New(lock.NewPostgresKV(b.DB), key, b.LockOptions), nil
	case b.Redis != nil:
		return store.NewRedisBackendWithClient(b.Redis, document), lock.New(lock.NewRedisKV(b.Redis), key, b.LockOptions), nil
	default:
		return store.NewMemoryBackend(), nil, nil
	}
}

func (b Backends) Ping(ctx context.Context) error {
	switch {
	case b.DB != nil:
		return b.DB.PingContext(ctx)
	case b.Redis != nil:
		return b.Redis.Ping(ctx).Err()
	default:
		return nil
	}
}

// Opener opens per-document storage. Backends is the production implementation.
type Opener interface {
	Open(ctx context.Context, document string) (store.Backend, *lock.Locker, error)
	Ping(ctx context.Context) error
	Kind() string
}

// Service keeps one history.Service per document, opened on first use.
type Service struct {
	cfg      config.Config
	backends Opener
	digester *digest.Digester

	mu        sync.Mutex
	histories map[string]*history.Service
}

func New(cfg config.Config, backends Opener, digester *digest.Digester) *Service {
	return &Service{
		cfg:       cfg,
		backends:  backends,
		digester:  digester,
		histories: make(map[string]*history.Service),
	}
}

func (s *Service) History(ctx context.Context, document string) (*history.Service, error) {
	if !documentPattern.MatchString(document) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document id must be 1-128 characters of letters, digits, '.', '_' or '-'", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.histories[document]; ok {
		return svc, nil
	}

	backend, locker, err := s.backends.Open(ctx, document)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", document, err)
	}
	svc := history.New(backend, locker, s.digester, history.SettingsFromConfig(s.cfg, document))
	s.histories[document] = svc
	log.Printf("history: opened %s on %s backend", document, s.backends.Kind())
	return svc, nil
}

func (s *Service) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	documents := make([]string, 0, len(s.histories))
	for document := range s.histories {
		documents = append(documents, document)
	}
	sort.Strings(documents)
	return documents
}

func (s *Service) StorageKind() string {
	return s.backends.Kind()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.backends.Ping(ctx)
}

// Close closes every open history concurrently.
func (s *Service) Close() error {
	s.mu.Lock()
	histories := s.histories
	s.histories = make(map[string]*history.Service)
	s.mu.Unlock()

	var g errgroup.Group
	for document, svc := range histories {
		document, svc := document, svc
		g.Go(func() error {
			if err := svc.Close(); err != nil {
				return fmt.Errorf("close history %s: %w", document, err)
			}
			return nil
		})
	}
	return g.Wait()
}
