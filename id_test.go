package oidc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomString(t *testing.T) {
	t.Run("length-and-charset", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		for _, l := range []int{1, 32, 43, 128} {
			got, err := randomString(l)
			require.NoError(err)
			assert.Len(got, l)
			for _, r := range got {
				assert.True(strings.ContainsRune(unreservedCharset, r))
			}
		}
	})
	t.Run("unique", func(t *testing.T) {
		require := require.New(t)
		a, err := randomString(32)
		require.NoError(err)
		b, err := randomString(32)
		require.NoError(err)
		require.NotEqual(a, b)
	})
	t.Run("invalid-length", func(t *testing.T) {
		_, err := randomString(0)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
}

func TestNewID(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	id, err := NewID("")
	require.NoError(err)
	assert.Len(id, 36)

	prefixed, err := NewID("flow")
	require.NoError(err)
	assert.True(strings.HasPrefix(prefixed, "flow_"))
	assert.Len(prefixed, 36+len("flow_"))
}
