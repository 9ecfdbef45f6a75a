package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

type stubSource struct {
	calls   int
	missing map[string]bool
	err     error
}

func (s *stubSource) Resolve(ctx context.Context, tenantID, warehouseID, productID int64) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.missing[fmt.Sprintf("%d:%d:%d", tenantID, warehouseID, productID)] {
		return shared.ErrNotFound
	}
	return nil
}

func setupLookup(t *testing.T, source Source) (*Lookup, *miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)
	return NewLookup(source, cache, nil), mr, cache
}

func TestLookupCachesPositiveAnswers(t *testing.T) {
	source := &stubSource{}
	lookup, mr, _ := setupLookup(t, source)
	ctx := context.Background()

	require.NoError(t, lookup.Resolve(ctx, 1, 2, 3))
	require.NoError(t, lookup.Resolve(ctx, 1, 2, 3))
	require.Equal(t, 1, source.calls)
	require.True(t, mr.Exists("catalog:owns:1:2:3:1"))

	mr.FastForward(2 * time.Minute)
	require.NoError(t, lookup.Resolve(ctx, 1, 2, 3))
	require.Equal(t, 2, source.calls)
}

func TestLookupDoesNotCacheMisses(t *testing.T) {
	source := &stubSource{missing: map[string]bool{"1:2:9": true}}
	lookup, _, _ := setupLookup(t, source)
	ctx := context.Background()

	require.ErrorIs(t, lookup.Resolve(ctx, 1, 2, 9), shared.ErrNotFound)
	require.ErrorIs(t, lookup.Resolve(ctx, 1, 2, 9), shared.ErrNotFound)
	require.Equal(t, 2, source.calls)
}

func TestLookupBumpInvalidates(t *testing.T) {
	source := &stubSource{}
	lookup, _, cache := setupLookup(t, source)
	ctx := context.Background()

	require.NoError(t, lookup.Resolve(ctx, 1, 2, 3))
	require.NoError(t, cache.Bump(ctx))
	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, ver)

	require.NoError(t, lookup.Resolve(ctx, 1, 2, 3))
	require.Equal(t, 2, source.calls)
}

func TestLookupFallsBackWhenRedisDown(t *testing.T) {
	source := &stubSource{}
	lookup, mr, _ := setupLookup(t, source)
	mr.Close()

	require.NoError(t, lookup.Resolve(context.Background(), 1, 2, 3))
	require.Equal(t, 1, source.calls)

	source.err = errors.New("db down")
	require.Error(t, lookup.Resolve(context.Background(), 1, 2, 3))
}

func TestLookupWithoutCache(t *testing.T) {
	source := &stubSource{}
	lookup := NewLookup(source, nil, nil)
	require.NoError(t, lookup.Resolve(context.Background(), 1, 1, 1))
	require.NoError(t, lookup.Resolve(context.Background(), 1, 1, 1))
	require.Equal(t, 2, source.calls)
}
