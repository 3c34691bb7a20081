package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "revstore:"

// RedisBackend stores one document's history in Redis so that every editor
// session pointed at the same server shares it. Entries live in a hash keyed
// by sequence, with side hashes for id lookup and the content hash index.
type RedisBackend struct {
	client     *redis.Client
	document   string
	prefix     string
	ownsClient bool
}

// NewRedisBackend connects to redisURL and returns a backend for document.
func NewRedisBackend(redisURL, document string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	backend := NewRedisBackendWithClient(client, document)
	backend.ownsClient = true
	return backend, nil
}

// NewRedisBackendWithClient creates a backend from an existing client. The
// client may be shared between documents and is left open by Close.
func NewRedisBackendWithClient(client *redis.Client, document string) *RedisBackend {
	return &RedisBackend{
		client:   client,
		document: document,
		prefix:   defaultRedisPrefix,
	}
}

func (s *RedisBackend) key(suffix string) string {
	return s.prefix + s.document + ":" + suffix
}

func (s *RedisBackend) Append(ctx context.Context, entry Entry) (Entry, error) {
	sequence, err := s.client.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("allocate sequence: %w", err)
	}
	entry.Sequence = sequence
	field := strconv.FormatInt(sequence, 10)

	claimed, err := s.client.HSetNX(ctx, s.key("ids"), entry.ID, field).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("claim entry id: %w", err)
	}
	if !claimed {
		return Entry{}, ErrDuplicateID
	}

	data, err := encodeEntry(entry)
	if err != nil {
		return Entry{}, err
	}
	if err := s.client.HSet(ctx, s.key("entries"), field, data).Err(); err != nil {
		_ = s.client.HDel(ctx, s.key("ids"), entry.ID).Err()
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return entry, nil
}

func (s *RedisBackend) Get(ctx context.Context, sequence int64) (Entry, error) {
	data, err := s.client.HGet(ctx, s.key("entries"), strconv.FormatInt(sequence, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read entry %d: %w", sequence, err)
	}
	return decodeEntry(data)
}

func (s *RedisBackend) GetByID(ctx context.Context, id string) (Entry, error) {
	field, err := s.client.HGet(ctx, s.key("ids"), id).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup entry id: %w", err)
	}
	sequence, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parse sequence %q: %w", field, err)
	}
	return s.Get(ctx, sequence)
}

func (s *RedisBackend) Update(ctx context.Context, entry Entry) error {
	field := strconv.FormatInt(entry.Sequence, 10)
	exists, err := s.client.HExists(ctx, s.key("entries"), field).Result()
	if err != nil {
		return fmt.Errorf("check entry %d: %w", entry.Sequence, err)
	}
	if !exists {
		return ErrNotFound
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key("entries"), field, data).Err(); err != nil {
		return fmt.Errorf("update entry %d: %w", entry.Sequence, err)
	}
	return nil
}

func (s *RedisBackend) Delete(ctx context.Context, sequence int64) error {
	entry, err := s.Get(ctx, sequence)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.key("entries"), strconv.FormatInt(sequence, 10))
		pipe.HDel(ctx, s.key("ids"), entry.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete entry %d: %w", sequence, err)
	}
	return nil
}

func (s *RedisBackend) Scan(ctx context.Context) ([]Entry, error) {
	values, err := s.client.HGetAll(ctx, s.key("entries")).Result()
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	items := make([]Entry, 0, len(values))
	for _, value := range values {
		entry, err := decodeEntry([]byte(value))
		if err != nil {
			return nil, err
		}
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return items, nil
}

func (s *RedisBackend) LookupHash(ctx context.Context, key string) (HashRecord, error) {
	field, err := s.client.HGet(ctx, s.key("index"), key).Result()
	if errors.Is(err, redis.Nil) {
		return HashRecord{}, ErrNotFound
	}
	if err != nil {
		return HashRecord{}, fmt.Errorf("lookup hash: %w", err)
	}
	sequence, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return HashRecord{}, fmt.Errorf("parse sequence %q: %w", field, err)
	}
	return HashRecord{Key: key, Sequence: sequence}, nil
}

func (s *RedisBackend) UpsertHash(ctx context.Context, record HashRecord) error {
	if err := s.client.HSet(ctx, s.key("index"), record.Key, strconv.FormatInt(record.Sequence, 10)).Err(); err != nil {
		return fmt.Errorf("upsert hash: %w", err)
	}
	return nil
}

func (s *RedisBackend) RemoveHash(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.key("index"), key).Err(); err != nil {
		return fmt.Errorf("remove hash: %w", err)
	}
	return nil
}

// Reset keeps the sequence counter so sequences are never reused.
func (s *RedisBackend) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key("entries"), s.key("ids"), s.key("index")).Err(); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	return nil
}

func (s *RedisBackend) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
