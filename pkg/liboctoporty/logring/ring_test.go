package logring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

func TestRingAppendAssignsMonotoneIDs(t *testing.T) {
	r := New(100)

	var last int64
	for i := 0; i < 50; i++ {
		id := r.Append(int64(i), tunnel.LogInfo, "msg")
		assert.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, 50, r.Len())
}

func TestRingEvictsOldest(t *testing.T) {
	r := New(2000)

	for i := 0; i < 12000; i++ {
		r.Append(int64(i), tunnel.LogInfo, "entry")
	}
	assert.Equal(t, 2000, r.Len())

	// Newest page starts at id 12000 and pages never reach below the
	// eviction horizon (10000 entries were displaced).
	entries, hasMore := r.Page(0, 10)
	require.Len(t, entries, 10)
	assert.Equal(t, int64(12000), entries[0].ID)
	assert.Equal(t, int64(11991), entries[9].ID)
	assert.True(t, hasMore)

	entries, hasMore = r.Page(10002, 10)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10001), entries[0].ID)
	assert.False(t, hasMore)
}

func TestRingPagination(t *testing.T) {
	r := New(100)
	for i := 0; i < 30; i++ {
		r.Append(int64(i), tunnel.LogDebug, "entry")
	}

	// Walk backwards in pages of 7 and collect every id exactly once.
	var seen []int64
	beforeID := int64(0)
	for {
		entries, hasMore := r.Page(beforeID, 7)
		for _, e := range entries {
			seen = append(seen, e.ID)
		}
		if !hasMore {
			break
		}
		beforeID = entries[len(entries)-1].ID
	}

	require.Len(t, seen, 30)
	for i, id := range seen {
		assert.Equal(t, int64(30-i), id, "descending without gaps")
	}
}

func TestRingPageEdgeCases(t *testing.T) {
	r := New(10)

	entries, hasMore := r.Page(0, 5)
	assert.Empty(t, entries)
	assert.False(t, hasMore)

	r.Append(1, tunnel.LogError, "only")
	entries, hasMore = r.Page(0, 0)
	assert.Empty(t, entries)
	assert.False(t, hasMore)

	entries, hasMore = r.Page(1, 5)
	assert.Empty(t, entries, "beforeID equal to oldest id excludes it")
	assert.False(t, hasMore)
}

func TestRingConcurrentAppend(t *testing.T) {
	r := New(500)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Append(0, tunnel.LogInfo, "concurrent")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, r.Len())
	entries, _ := r.Page(0, 500)
	require.Len(t, entries, 500)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].ID-1, entries[i].ID, "ids must be dense and descending")
	}
}
