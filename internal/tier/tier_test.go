package tier_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/objmapper/objmapperd/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTier(t *testing.T, capacity int64) *tier.Tier {
	t.Helper()
	return tier.New("t0", "test-tier", t.TempDir(), capacity, tier.Persistent, 0, tier.RoleDefaultTarget)
}

func TestCreateOpenDeleteRoundTrip(t *testing.T) {
	tr := newTier(t, 1<<20)

	path, f, err := tr.Create("/a/b.dat", 5)
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st := tr.Status()
	assert.EqualValues(t, 5, st.UsedBytes)
	assert.EqualValues(t, 1, st.ObjectCount)

	got, ok := tr.Aux.Get("/a/b.dat")
	require.True(t, ok)
	assert.Equal(t, path, got)

	rf, err := tr.Open(path, tier.ReadOnly)
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	require.NoError(t, tr.Delete("/a/b.dat", path, 5))
	st = tr.Status()
	assert.EqualValues(t, 0, st.UsedBytes)
	assert.EqualValues(t, 0, st.ObjectCount)

	_, ok = tr.Aux.Get("/a/b.dat")
	assert.False(t, ok)
}

func TestCreateStagingPromotesOntoCanonicalPath(t *testing.T) {
	tr := newTier(t, 1<<20)

	staging, f, err := tr.CreateStaging("/a/b.dat", 5)
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)

	// Not yet visible at the canonical path, nor in the aux index.
	_, err = tr.Open("a/b.dat", tier.ReadOnly)
	require.ErrorIs(t, err, tier.ErrNotFound)
	_, ok := tr.Aux.Get("/a/b.dat")
	require.False(t, ok)

	final, err := tr.Promote("/a/b.dat", staging)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "a/b.dat", final)

	rf, err := tr.Open(final, tier.ReadOnly)
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = rf.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, rf.Close())

	auxPath, ok := tr.Aux.Get("/a/b.dat")
	require.True(t, ok)
	assert.Equal(t, final, auxPath)
}

func TestDiscardStagingReleasesReservation(t *testing.T) {
	tr := newTier(t, 10)
	staging, f, err := tr.CreateStaging("/x", 10)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.False(t, tr.HasSpace(1))

	tr.DiscardStaging(staging, 10)
	assert.True(t, tr.HasSpace(10))
	assert.EqualValues(t, 0, tr.Status().ObjectCount)
}

func TestEnumerateRemovesLeftoverStaging(t *testing.T) {
	tr := newTier(t, 1<<20)

	_, f, err := tr.Create("/kept", 2)
	require.NoError(t, err)
	_, err = f.WriteString("ok")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A partial copy a crash mid-migration would leave behind.
	staging, sf, err := tr.CreateStaging("/kept", 2)
	require.NoError(t, err)
	_, err = sf.WriteString("p")
	require.NoError(t, err)
	require.NoError(t, sf.Close())

	var uris []string
	require.NoError(t, tr.Enumerate(func(relPath string, size int64, mtime time.Time) error {
		uris = append(uris, tier.URIForPath(relPath))
		return nil
	}))
	assert.Equal(t, []string{"/kept"}, uris)

	_, statErr := os.Stat(filepath.Join(tr.MountRoot, staging))
	assert.True(t, os.IsNotExist(statErr), "leftover staging file should be unlinked by the scan")
}

func TestCreateRejectsOversizeHint(t *testing.T) {
	tr := newTier(t, 10)
	_, _, err := tr.Create("/big", 11)
	require.ErrorIs(t, err, tier.ErrNoSpace)
}

func TestOpenMissingReturnsNotFound(t *testing.T) {
	tr := newTier(t, 1<<20)
	_, err := tr.Open("nope", tier.ReadOnly)
	require.ErrorIs(t, err, tier.ErrNotFound)
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	tr := newTier(t, 1<<20)
	err := tr.Delete("/nope", "nope", 0)
	require.ErrorIs(t, err, tier.ErrNotFound)
}

func TestPathForRejectsTraversal(t *testing.T) {
	_, err := tier.PathFor("/a/../../etc/passwd")
	require.Error(t, err)
}

func TestPathForIsDeterministicAndReversible(t *testing.T) {
	p, err := tier.PathFor("/tmp/x.dat")
	require.NoError(t, err)
	assert.Equal(t, "tmp/x.dat", p)
	assert.Equal(t, "/tmp/x.dat", tier.URIForPath(p))
}

func TestAdjustUsedClampsAtZero(t *testing.T) {
	tr := newTier(t, 100)
	tr.AdjustUsed(-50)
	assert.EqualValues(t, 0, tr.Status().UsedBytes)
}

func TestEnumerateRecoversTriplesAndRecomputesUsage(t *testing.T) {
	tr := newTier(t, 1<<20)

	_, f1, err := tr.Create("/a", 3)
	require.NoError(t, err)
	_, err = f1.WriteString("abc")
	require.NoError(t, err)
	require.NoError(t, f1.Close())

	_, f2, err := tr.Create("/b/c", 2)
	require.NoError(t, err)
	_, err = f2.WriteString("de")
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	seen := map[string]int64{}
	require.NoError(t, tr.Enumerate(func(relPath string, size int64, mtime time.Time) error {
		seen[tier.URIForPath(relPath)] = size
		assert.False(t, mtime.IsZero())
		return nil
	}))

	assert.Equal(t, map[string]int64{"/a": 3, "/b/c": 2}, seen)

	st := tr.Status()
	assert.EqualValues(t, 5, st.UsedBytes)
	assert.EqualValues(t, 2, st.ObjectCount)
}

func TestStatusUtilization(t *testing.T) {
	tr := newTier(t, 100)
	_, f, err := tr.Create("/a", 25)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st := tr.Status()
	assert.InDelta(t, 0.25, st.Utilization, 0.0001)
}

func TestHasSpace(t *testing.T) {
	tr := newTier(t, 10)
	assert.True(t, tr.HasSpace(10))
	assert.False(t, tr.HasSpace(11))
}
