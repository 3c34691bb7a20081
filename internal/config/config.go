package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBudgetBytes     int64 = 50 * 1024 * 1024
	ConstrainedBudgetBytes int64 = 30 * 1024 * 1024
)

type Config struct {
	Addr       string
	CORSOrigin string
	// Storage backends, tried in order: Postgres, Redis, in-memory.
	DatabaseURL string
	RedisURL    string
	// Retention and capture knobs
	BudgetBytes    int64
	Constrained    bool
	DebounceWindow time.Duration
	MinByteDelta   int64
	MaxEntries     int
	// Cross-writer lock
	LockTTL        time.Duration
	LockAttempts   int
	LockBackoff    time.Duration
	LockMaxBackoff time.Duration
	// Digest
	DigestAlgorithm   string
	DelegateThreshold int
	DelegateTimeout   time.Duration
}

func Load() Config {
	constrained := getenvBool("REVSTORE_CONSTRAINED", false)
	budget := DefaultBudgetBytes
	if constrained {
		budget = ConstrainedBudgetBytes
	}
	return Config{
		Addr:              getenv("API_ADDR", ":8788"),
		CORSOrigin:        getenv("REVSTORE_CORS_ORIGIN", "*"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		RedisURL:          getenv("REDIS_URL", ""),
		BudgetBytes:       getenvInt64("REVSTORE_BUDGET_BYTES", budget),
		Constrained:       constrained,
		DebounceWindow:    time.Duration(getenvInt("REVSTORE_DEBOUNCE_MS", 10000)) * time.Millisecond,
		MinByteDelta:      getenvInt64("REVSTORE_MIN_BYTE_DELTA", 200),
		MaxEntries:        getenvInt("REVSTORE_MAX_ENTRIES", 500),
		LockTTL:           time.Duration(getenvInt("REVSTORE_LOCK_TTL_MS", 3000)) * time.Millisecond,
		LockAttempts:      getenvInt("REVSTORE_LOCK_ATTEMPTS", 5),
		LockBackoff:       time.Duration(getenvInt("REVSTORE_LOCK_BACKOFF_MS", 25)) * time.Millisecond,
		LockMaxBackoff:    time.Duration(getenvInt("REVSTORE_LOCK_MAX_BACKOFF_MS", 200)) * time.Millisecond,
		DigestAlgorithm:   strings.ToLower(getenv("REVSTORE_DIGEST", "sha256")),
		DelegateThreshold: getenvInt("REVSTORE_DELEGATE_THRESHOLD", 256*1024),
		DelegateTimeout:   time.Duration(getenvInt("REVSTORE_DELEGATE_TIMEOUT_MS", 2000)) * time.Millisecond,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
