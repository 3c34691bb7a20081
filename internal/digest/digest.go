// Package digest computes content hashes for canonical history text.
//
// A Digester prefers a cryptographic hash (SHA-256 by default, BLAKE2b-256
// or BLAKE3 when configured) and falls back to an xxHash64 checksum if the
// primary hash fails. Every result carries the algorithm that produced it;
// hashes from different algorithms must never be compared.
//
// Large inputs can be delegated to a Worker goroutine. If the worker does
// not answer in time, delegation is switched off for the lifetime of the
// Digester and hashing continues in-line.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

const (
	SHA256  = "sha256"
	BLAKE2b = "blake2b"
	BLAKE3  = "blake3"
	XXH64   = "xxh64"
)

const (
	DefaultThreshold = 256 * 1024
	DefaultTimeout   = 2 * time.Second
)

// Result is a hex-encoded digest tagged with its algorithm.
type Result struct {
	Algorithm string
	Hash      string
}

// HashFunc computes a raw digest.
type HashFunc func([]byte) ([]byte, error)

// Primary returns the hash function registered under name.
func Primary(name string) (HashFunc, error) {
	switch name {
	case "", SHA256:
		return func(data []byte) ([]byte, error) {
			sum := sha256.Sum256(data)
			return sum[:], nil
		}, nil
	case BLAKE2b:
		return func(data []byte) ([]byte, error) {
			sum := blake2b.Sum256(data)
			return sum[:], nil
		}, nil
	case BLAKE3:
		return func(data []byte) ([]byte, error) {
			sum := blake3.Sum256(data)
			return sum[:], nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", name)
	}
}

// Checksum is the non-cryptographic fallback.
func Checksum(data []byte) Result {
	return Result{
		Algorithm: XXH64,
		Hash:      fmt.Sprintf("%016x", xxhash.Sum64(data)),
	}
}

type Digester struct {
	algorithm string
	primary   HashFunc
	threshold int
	timeout   time.Duration
	worker    *Worker

	delegationOff atomic.Bool
	delegationLog sync.Once
	fallbackLog   sync.Once
}

type Option func(*Digester)

// WithAlgorithm selects a registered primary algorithm. Unknown names keep
// the default and are logged.
func WithAlgorithm(name string) Option {
	return func(d *Digester) {
		fn, err := Primary(name)
		if err != nil {
			log.Printf("digest: %v, using %s", err, SHA256)
			return
		}
		if name == "" {
			name = SHA256
		}
		d.algorithm = name
		d.primary = fn
	}
}

// WithHashFunc installs a custom primary hash under the given name.
func WithHashFunc(name string, fn HashFunc) Option {
	return func(d *Digester) {
		d.algorithm = name
		d.primary = fn
	}
}

// WithWorker enables delegation of inputs at or above threshold bytes.
func WithWorker(worker *Worker, threshold int, timeout time.Duration) Option {
	return func(d *Digester) {
		d.worker = worker
		if threshold > 0 {
			d.threshold = threshold
		}
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func New(opts ...Option) *Digester {
	primary, _ := Primary(SHA256)
	d := &Digester{
		algorithm: SHA256,
		primary:   primary,
		threshold: DefaultThreshold,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDelegating builds a Digester that owns a worker goroutine hashing with
// the same primary algorithm. Close releases the worker.
func NewDelegating(algorithm string, threshold int, timeout time.Duration) *Digester {
	d := New(WithAlgorithm(algorithm))
	d.worker = NewWorker(func(data []byte) (Result, error) {
		return d.Inline(data), nil
	})
	if threshold > 0 {
		d.threshold = threshold
	}
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

func (d *Digester) Algorithm() string {
	return d.algorithm
}

// Delegating reports whether large inputs are still sent to the worker.
func (d *Digester) Delegating() bool {
	return d.worker != nil && !d.delegationOff.Load()
}

// Sum hashes data, delegating large inputs when a worker is available.
func (d *Digester) Sum(ctx context.Context, data []byte) Result {
	if d.Delegating() && len(data) >= d.threshold {
		result, err := d.worker.Sum(ctx, data, d.timeout)
		if err == nil {
			return result
		}
		if ctx.Err() == nil {
			d.disableDelegation(err)
		}
	}
	return d.Inline(data)
}

// Inline hashes data on the calling goroutine.
func (d *Digester) Inline(data []byte) Result {
	sum, err := d.safePrimary(data)
	if err != nil {
		d.fallbackLog.Do(func() {
			log.Printf("digest: %s unavailable, falling back to %s: %v", d.algorithm, XXH64, err)
		})
		return Checksum(data)
	}
	return Result{Algorithm: d.algorithm, Hash: hex.EncodeToString(sum)}
}

func (d *Digester) safePrimary(data []byte) (sum []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", d.algorithm, r)
		}
	}()
	if d.primary == nil {
		return nil, fmt.Errorf("no primary hash configured")
	}
	return d.primary(data)
}

func (d *Digester) disableDelegation(err error) {
	d.delegationOff.Store(true)
	d.delegationLog.Do(func() {
		log.Printf("digest: delegation disabled for this session: %v", err)
	})
}

// Close stops the worker if one is attached.
func (d *Digester) Close() {
	if d.worker != nil {
		d.worker.Close()
	}
}
