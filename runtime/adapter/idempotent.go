package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"goa.design/foreman/runtime/scope"
)

// DefaultCacheTTL bounds how long a completed action result stays
// replayable.
const DefaultCacheTTL = 24 * time.Hour

type (
	// Entry is one cached action result. The fingerprint guards against a
	// step identity being reused with different arguments.
	Entry struct {
		// Fingerprint is the action fingerprint the result belongs to.
		Fingerprint string `json:"fingerprint"`
		// Result is the JSON-encoded tool result.
		Result json.RawMessage `json:"result"`
		// StoredAt is when the entry was written.
		StoredAt time.Time `json:"storedAt"`
	}

	// Cache stores completed action results keyed by action identity.
	// Get returns (nil, nil) on a miss.
	Cache interface {
		Get(ctx context.Context, key string) (*Entry, error)
		Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	}

	// IdempotencyOptions configures NewIdempotent.
	IdempotencyOptions struct {
		// TTL bounds entry lifetime. Defaults to DefaultCacheTTL.
		TTL time.Duration
		// Clock reads the current time. Defaults to scope.UTCNow.
		Clock scope.Clock
	}

	// Idempotent executes each distinct action at most once. Concurrent
	// identical actions share a single in-flight execution and completed
	// results replay from the cache, so a retried step observes the same
	// outcome as the original without re-running the side effect.
	Idempotent struct {
		next  Adapter
		cache Cache
		ttl   time.Duration
		clock scope.Clock
		group singleflight.Group
	}
)

// NewIdempotent wraps next with at-most-once execution per action
// fingerprint backed by cache.
func NewIdempotent(next Adapter, cache Cache, opts IdempotencyOptions) *Idempotent {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = scope.UTCNow
	}
	return &Idempotent{next: next, cache: cache, ttl: opts.TTL, clock: opts.Clock}
}

// Execute implements Adapter. Outcomes may be shared between concurrent
// callers and must be treated as read-only.
func (i *Idempotent) Execute(ctx context.Context, act *Action) (*Outcome, error) {
	if err := act.Validate(); err != nil {
		return nil, err
	}
	fp, err := act.Fingerprint()
	if err != nil {
		return nil, err
	}
	key := act.Key()

	if out, err := i.lookup(ctx, key, fp); err != nil || out != nil {
		return out, err
	}

	v, err, shared := i.group.Do(key, func() (any, error) {
		// A concurrent caller may have completed and cached the result
		// between our lookup and joining the flight.
		if out, err := i.lookup(ctx, key, fp); err != nil || out != nil {
			return out, err
		}
		out, err := i.next.Execute(ctx, act)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(out.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		if err := i.cache.Set(ctx, key, &Entry{Fingerprint: fp, Result: raw, StoredAt: i.clock()}, i.ttl); err != nil {
			return nil, fmt.Errorf("cache result: %w", err)
		}
		var norm any
		if err := json.Unmarshal(raw, &norm); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return &Outcome{Result: norm}, nil
	})
	if err != nil {
		return nil, err
	}
	out := v.(*Outcome)
	if shared && !out.Cached {
		out = &Outcome{Result: out.Result, Cached: true}
	}
	return out, nil
}

// lookup returns the cached outcome for key, nil on a miss, or
// ErrFingerprintMismatch when the key exists under a different payload.
func (i *Idempotent) lookup(ctx context.Context, key, fp string) (*Outcome, error) {
	e, err := i.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if e == nil {
		return nil, nil
	}
	if e.Fingerprint != fp {
		return nil, fmt.Errorf("%w: key %s", ErrFingerprintMismatch, key)
	}
	var norm any
	if err := json.Unmarshal(e.Result, &norm); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &Outcome{Result: norm, Cached: true}, nil
}

// MemoryCache is an in-process Cache for tests and single-process
// deployments. Expired entries are dropped lazily on read.
type MemoryCache struct {
	clock scope.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryCache returns an empty cache reading time from the real clock.
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(scope.UTCNow)
}

// NewMemoryCacheWithClock returns an empty cache reading time from clock.
func NewMemoryCacheWithClock(clock scope.Clock) *MemoryCache {
	return &MemoryCache{clock: clock, entries: make(map[string]memoryEntry)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	me, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !me.expiresAt.IsZero() && !me.expiresAt.After(c.clock()) {
		delete(c.entries, key)
		return nil, nil
	}
	e := me.entry
	e.Result = append(json.RawMessage(nil), me.entry.Result...)
	return &e, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := *e
	stored.Result = append(json.RawMessage(nil), e.Result...)
	me := memoryEntry{entry: stored}
	if ttl > 0 {
		me.expiresAt = c.clock().Add(ttl)
	}
	c.entries[key] = me
	return nil
}
