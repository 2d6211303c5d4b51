package memo

import (
	"context"
	"errors"
	"testing"
	"time"
)

type feeParams struct {
	Inputs  int `json:"inputs"`
	Outputs int `json:"outputs"`
}

func TestMemo_CachesWithinTTL(t *testing.T) {
	calls := 0
	m := Memoize(func(ctx context.Context, p feeParams) (int, error) {
		calls++
		return calls * 100, nil
	}, time.Second)

	ctx := context.Background()
	first, err := m.Call(ctx, feeParams{1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := m.Call(ctx, feeParams{1, 2})

	if first != second {
		t.Errorf("expected cached value %d, got %d", first, second)
	}
	if calls != 1 {
		t.Errorf("expected 1 underlying call, got %d", calls)
	}

	// Different argument, different key
	if _, err := m.Call(ctx, feeParams{2, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 underlying calls, got %d", calls)
	}
}

func TestMemo_ReinvokesAfterTTL(t *testing.T) {
	calls := 0
	m := Memoize(func(ctx context.Context, key string) (int, error) {
		calls++
		return calls, nil
	}, 50*time.Millisecond)

	ctx := context.Background()
	_, _ = m.Call(ctx, "gas")
	time.Sleep(100 * time.Millisecond)

	v, _ := m.Call(ctx, "gas")
	if v != 2 || calls != 2 {
		t.Errorf("expected re-invocation after ttl, got value %d calls %d", v, calls)
	}
}

func TestMemo_SweepsExpiredEntries(t *testing.T) {
	m := Memoize(func(ctx context.Context, key string) (string, error) {
		return key, nil
	}, 50*time.Millisecond)

	ctx := context.Background()
	_, _ = m.Call(ctx, "a")
	_, _ = m.Call(ctx, "b")
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}

	time.Sleep(100 * time.Millisecond)
	_, _ = m.Call(ctx, "c")

	if m.Len() != 1 {
		t.Errorf("expected expired entries swept, got %d entries", m.Len())
	}
}

func TestMemo_SweepsExpiredEntriesOnHit(t *testing.T) {
	m := Memoize(func(ctx context.Context, key string) (string, error) {
		return key, nil
	}, 100*time.Millisecond)

	ctx := context.Background()
	_, _ = m.Call(ctx, "a")
	time.Sleep(60 * time.Millisecond)
	_, _ = m.Call(ctx, "b")
	time.Sleep(60 * time.Millisecond)

	// "b" is still fresh, "a" is not.
	if v, _ := m.Call(ctx, "b"); v != "b" {
		t.Fatalf("expected cached b, got %q", v)
	}
	if m.Len() != 1 {
		t.Errorf("expected expired entry swept on a cache hit, got %d entries", m.Len())
	}
}

func TestMemo_NoExpiration(t *testing.T) {
	calls := 0
	m := Memoize(func(ctx context.Context, key string) (int, error) {
		calls++
		return 7, nil
	}, NoExpiration)

	ctx := context.Background()
	_, _ = m.Call(ctx, "k")
	time.Sleep(20 * time.Millisecond)
	_, _ = m.Call(ctx, "k")

	if calls != 1 {
		t.Errorf("expected 1 call with infinite ttl, got %d", calls)
	}
}

func TestMemo_ErrorsAreNotCached(t *testing.T) {
	calls := 0
	m := Memoize(func(ctx context.Context, key string) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("node unavailable")
		}
		return 42, nil
	}, time.Minute)

	ctx := context.Background()
	if _, err := m.Call(ctx, "k"); err == nil {
		t.Fatal("expected error on first call")
	}
	v, err := m.Call(ctx, "k")
	if err != nil || v != 42 {
		t.Errorf("expected 42 after error, got %d (%v)", v, err)
	}
}

func TestMemo_ZeroTTLDisablesCache(t *testing.T) {
	calls := 0
	m := Memoize(func(ctx context.Context, key string) (int, error) {
		calls++
		return calls, nil
	}, 0)

	fn := m.Func()
	_, _ = fn(context.Background(), "k")
	_, _ = fn(context.Background(), "k")
	if calls != 2 {
		t.Errorf("expected 2 calls with zero ttl, got %d", calls)
	}
}
