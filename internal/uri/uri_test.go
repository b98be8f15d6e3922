package uri_test

import (
	"strings"
	"testing"

	"github.com/objmapper/objmapperd/internal/uri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, uri.Validate("/tmp/x.dat"))
	require.Error(t, uri.Validate(""))

	ok := strings.Repeat("a", uri.MaxBytes)
	require.NoError(t, uri.Validate(ok))

	tooLong := strings.Repeat("a", uri.MaxBytes+1)
	err := uri.Validate(tooLong)
	require.ErrorIs(t, err, uri.ErrTooLong)
}

func TestSplitDelete(t *testing.T) {
	effective, ok := uri.SplitDelete("/delete/tmp/x.dat")
	require.True(t, ok)
	assert.Equal(t, "/tmp/x.dat", effective)

	_, ok = uri.SplitDelete("/tmp/x.dat")
	require.False(t, ok)
}
