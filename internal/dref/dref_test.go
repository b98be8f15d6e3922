package dref_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/objmapper/objmapperd/internal/dref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestBorrowSharesOpenDescriptor(t *testing.T) {
	path := writeTempFile(t, "hello")
	c := dref.New(path, dref.ModeRead, nil)

	h1, err := c.Borrow()
	require.NoError(t, err)
	require.True(t, c.Open())

	h2, err := c.Borrow()
	require.NoError(t, err)

	// Both handles see the same kernel fd number.
	assert.Equal(t, h1.Fd(), h2.Fd())

	c.Drop(h1)
	assert.True(t, c.Open(), "must stay open while h2 is outstanding")

	c.Drop(h2)
	assert.True(t, c.Open(), "no close was requested")
}

func TestRequestCloseDefersToLastDrop(t *testing.T) {
	path := writeTempFile(t, "hello")
	c := dref.New(path, dref.ModeRead, nil)

	h, err := c.Borrow()
	require.NoError(t, err)

	c.RequestClose()
	assert.True(t, c.Open(), "close must defer while borrowed")

	c.Drop(h)
	assert.False(t, c.Open(), "close should apply once idle")
}

func TestRequestCloseImmediateWhenIdle(t *testing.T) {
	path := writeTempFile(t, "hello")
	c := dref.New(path, dref.ModeRead, nil)

	h, err := c.Borrow()
	require.NoError(t, err)
	c.Drop(h)

	c.RequestClose()
	assert.False(t, c.Open())
}

func TestReopenAdvancesGeneration(t *testing.T) {
	path := writeTempFile(t, "hello")
	c := dref.New(path, dref.ModeRead, nil)

	h1, err := c.Borrow()
	require.NoError(t, err)
	c.RequestClose()
	c.Drop(h1)
	require.False(t, c.Open())

	h2, err := c.Borrow()
	require.NoError(t, err)
	assert.True(t, c.Open())

	// Dropping the stale h1 handle a second time must be a no-op: it must
	// never undercount h2's still-outstanding borrow.
	c.Drop(h1)
	assert.True(t, c.Open())

	c.Drop(h2)
	assert.True(t, c.Open(), "the reopen cleared the earlier close request")
}

func TestOpenFailed(t *testing.T) {
	c := dref.New(filepath.Join(t.TempDir(), "missing"), dref.ModeRead, nil)
	_, err := c.Borrow()
	require.Error(t, err)
	var openErr *dref.OpenFailedError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, c.Open())
}

func TestBudgetTracksOpenCells(t *testing.T) {
	budget := dref.NewBudget(1)
	path := writeTempFile(t, "hello")
	c := dref.New(path, dref.ModeRead, budget)

	h, err := c.Borrow()
	require.NoError(t, err)
	assert.EqualValues(t, 1, budget.Open())
	assert.False(t, budget.Exceeded())

	c.Drop(h)
	c.RequestClose()
	assert.EqualValues(t, 0, budget.Open())
}
