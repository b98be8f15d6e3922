package index_test

import (
	"sync"
	"testing"
	"time"

	"github.com/objmapper/objmapperd/internal/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEntry(uri, tierID, path string, destroyed *bool) *index.Entry {
	return index.NewEntry(uri, index.Location{TierID: tierID, StoragePath: path}, 0, time.Unix(0, 0), index.PolicyNone, nil, func() {
		if destroyed != nil {
			*destroyed = true
		}
	})
}

func TestInsertFindRemove(t *testing.T) {
	idx := index.New(16)

	e := makeEntry("/a", "tier0", "path0", nil)
	require.NoError(t, idx.Insert(e))

	ref, ok := idx.Find("/a")
	require.True(t, ok)
	assert.Equal(t, "/a", ref.Entry().URI)
	assert.EqualValues(t, 1, ref.Entry().AccessCount())
	ref.Release()

	_, ok = idx.Find("/missing")
	assert.False(t, ok)

	rref, ok := idx.Remove("/a")
	require.True(t, ok)
	rref.Release()

	_, ok = idx.Find("/a")
	assert.False(t, ok)
}

func TestInsertDuplicateRejected(t *testing.T) {
	idx := index.New(16)
	require.NoError(t, idx.Insert(makeEntry("/a", "t", "p", nil)))
	err := idx.Insert(makeEntry("/a", "t", "p2", nil))
	require.ErrorIs(t, err, index.ErrDuplicate)
}

func TestRemoveDefersDestroyUntilReadersRelease(t *testing.T) {
	idx := index.New(16)
	var destroyed bool
	e := makeEntry("/a", "t", "p", &destroyed)
	require.NoError(t, idx.Insert(e))

	ref, ok := idx.Find("/a")
	require.True(t, ok)

	rref, ok := idx.Remove("/a")
	require.True(t, ok)
	rref.Release()
	assert.False(t, destroyed, "must not destroy while ref is outstanding")

	ref.Release()
	assert.True(t, destroyed, "must destroy once last reader releases")
}

func TestReplaceLocationAtomicPair(t *testing.T) {
	idx := index.New(16)
	e := makeEntry("/a", "tier0", "path0", nil)
	require.NoError(t, idx.Insert(e))

	ok := idx.ReplaceLocation("/a", index.Location{TierID: "tier1", StoragePath: "path1"})
	require.True(t, ok)

	ref, ok := idx.Find("/a")
	require.True(t, ok)
	defer ref.Release()

	loc := ref.Entry().Location()
	assert.Equal(t, "tier1", loc.TierID)
	assert.Equal(t, "path1", loc.StoragePath)
}

func TestConcurrentFindDoesNotBlockOnUnrelatedWrites(t *testing.T) {
	idx := index.New(1024)
	for i := 0; i < 200; i++ {
		require.NoError(t, idx.Insert(makeEntry(keyOf(i), "t", "p", nil)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, ok := idx.Find(keyOf(i % 200))
			if ok {
				ref.Release()
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 200; i < 250; i++ {
			_ = idx.Insert(makeEntry(keyOf(i), "t", "p", nil))
		}
	}()
	wg.Wait()

	assert.Equal(t, 250, idx.Stats().Entries)
}

func keyOf(i int) string {
	return "/obj/" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
