// Package memo caches results of expensive idempotent calls for a bounded time.
package memo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
)

// NoExpiration keeps cached values forever.
const NoExpiration = cache.NoExpiration

// Func is the shape of a memoizable call.
type Func[A, R any] func(ctx context.Context, arg A) (R, error)

// Memo wraps a Func with a TTL cache keyed by the JSON encoding of its argument.
// Each process owns its own Memo; nothing is shared between workers.
type Memo[A, R any] struct {
	fn    Func[A, R]
	ttl   time.Duration
	items *cache.Cache
}

// Memoize returns a cached wrapper around fn. A ttl of NoExpiration never
// expires entries; a zero ttl disables caching.
func Memoize[A, R any](fn Func[A, R], ttl time.Duration) *Memo[A, R] {
	// No janitor goroutine: expired entries are swept on each call.
	return &Memo[A, R]{
		fn:    fn,
		ttl:   ttl,
		items: cache.New(ttl, 0),
	}
}

// Call returns the cached result for arg if it is younger than the TTL,
// otherwise invokes the wrapped function. Errors are never cached.
func (m *Memo[A, R]) Call(ctx context.Context, arg A) (R, error) {
	if m.ttl == 0 {
		return m.fn(ctx, arg)
	}

	raw, err := json.Marshal(arg)
	if err != nil {
		return m.fn(ctx, arg)
	}
	key := string(raw)

	m.items.DeleteExpired()
	if v, ok := m.items.Get(key); ok {
		return v.(R), nil
	}

	res, err := m.fn(ctx, arg)
	if err != nil {
		return res, err
	}

	m.items.Set(key, res, m.ttl)
	return res, nil
}

// Func returns Call as a plain function value.
func (m *Memo[A, R]) Func() Func[A, R] {
	return m.Call
}

// Len is the number of entries currently held, including ones that expired
// since the last sweep.
func (m *Memo[A, R]) Len() int {
	return m.items.ItemCount()
}

// Purge drops every entry.
func (m *Memo[A, R]) Purge() {
	m.items.Flush()
}
