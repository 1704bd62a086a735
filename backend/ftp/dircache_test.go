package ftp

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirCacheFetchCollapsesConcurrentMisses(t *testing.T) {
	dc := NewDirCache(8)
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("listing"), nil
	}

	const n = 20
	results := make(chan []byte, n)
	for i := 0; i < n; i++ {
		go func() {
			b, err := dc.Fetch(context.Background(), "/a", fetch)
			require.NoError(t, err)
			results <- b
		}()
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, []byte("listing"), <-results)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestDirCacheInvalidate(t *testing.T) {
	dc := NewDirCache(8)
	_, err := dc.Fetch(context.Background(), "/a", func(context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	require.NoError(t, err)
	_, ok := dc.Lookup("/a")
	require.True(t, ok)

	dc.Invalidate("/a")
	_, ok = dc.Lookup("/a")
	assert.False(t, ok)
}

func TestDirCacheInvalidateTree(t *testing.T) {
	dc := NewDirCache(8)
	for _, dir := range []string{"/a", "/a/b", "/ab", "/c"} {
		_, err := dc.Fetch(context.Background(), dir, func(context.Context) ([]byte, error) {
			return []byte("x"), nil
		})
		require.NoError(t, err)
	}
	dc.InvalidateTree("/a")
	_, ok := dc.Lookup("/a")
	assert.False(t, ok)
	_, ok = dc.Lookup("/a/b")
	assert.False(t, ok)
	_, ok = dc.Lookup("/ab")
	assert.True(t, ok, "prefix match must respect path boundaries")
	_, ok = dc.Lookup("/c")
	assert.True(t, ok)
}
