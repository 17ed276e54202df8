package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "docstore/pkg/errors"
)

type profile struct {
	Name  string `msgpack:"name"`
	Score int    `msgpack:"score"`
}

func newTestLoader(t *testing.T) *Loader[profile] {
	t.Helper()
	mem := NewMemory(100)
	t.Cleanup(func() { mem.Close() })
	return NewLoader[profile]("profiles", mem, nil, nil)
}

func TestLoaderMissThenHit(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	var produced atomic.Int64
	produce := func(ctx context.Context) (profile, error) {
		produced.Add(1)
		return profile{Name: "ada", Score: 42}, nil
	}

	first, err := l.GetOrLoad(ctx, "p1", time.Minute, produce)
	require.NoError(t, err)
	assert.Equal(t, "ada", first.Name)

	second, err := l.GetOrLoad(ctx, "p1", time.Minute, produce)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(1), produced.Load(), "second read must come from the cache")
}

func TestLoaderNonPositiveTTLBypassesCache(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	var produced atomic.Int64
	produce := func(ctx context.Context) (profile, error) {
		produced.Add(1)
		return profile{Name: "fresh"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := l.GetOrLoad(ctx, "p1", 0, produce)
		require.NoError(t, err)
		assert.Equal(t, "fresh", v.Name)
	}
	assert.Equal(t, int64(3), produced.Load(), "zero TTL must always invoke the producer")
}

func TestLoaderProducerErrorNotCached(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	wantErr := apperrors.NewStore("boom", nil)
	_, err := l.GetOrLoad(ctx, "p1", time.Minute, func(ctx context.Context) (profile, error) {
		return profile{}, wantErr
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsStore(err))

	// The failed load left no entry behind.
	v, err := l.GetOrLoad(ctx, "p1", time.Minute, func(ctx context.Context) (profile, error) {
		return profile{Name: "recovered"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v.Name)
}

func TestLoaderCoalescesConcurrentMisses(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	var produced atomic.Int64
	gate := make(chan struct{})
	produce := func(ctx context.Context) (profile, error) {
		produced.Add(1)
		<-gate
		return profile{Name: "ada"}, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]profile, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = l.GetOrLoad(ctx, "p1", time.Minute, produce)
		}(i)
	}

	// Let the flights queue behind the single in-progress producer.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ada", results[i].Name)
	}
	assert.LessOrEqual(t, produced.Load(), int64(2), "misses on one key must coalesce")
}

func TestLoaderInvalidate(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	var produced atomic.Int64
	produce := func(ctx context.Context) (profile, error) {
		produced.Add(1)
		return profile{Name: "ada"}, nil
	}

	_, err := l.GetOrLoad(ctx, "p1", time.Minute, produce)
	require.NoError(t, err)
	require.NoError(t, l.Invalidate(ctx, "p1"))

	_, err = l.GetOrLoad(ctx, "p1", time.Minute, produce)
	require.NoError(t, err)
	assert.Equal(t, int64(2), produced.Load())
}

func TestLoaderDropsUndecodableEntry(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()
	l := NewLoader[profile]("profiles", mem, nil, nil)
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, "p1", []byte{0xc1, 0xff, 0x00}, time.Minute))

	v, err := l.GetOrLoad(ctx, "p1", time.Minute, func(ctx context.Context) (profile, error) {
		return profile{Name: "rebuilt"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "rebuilt", v.Name)
}
