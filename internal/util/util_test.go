package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		h, err := HashPassword("hunter2")
		require.NoError(t, err)
		assert.True(t, CheckPassword("hunter2", h))
		assert.False(t, CheckPassword("hunter3", h))
	})

	t.Run("EmptyPassword", func(t *testing.T) {
		h, err := HashPassword("")
		require.NoError(t, err)
		assert.Equal(t, "", h)
		assert.True(t, CheckPassword("", ""))
		assert.False(t, CheckPassword("anything", ""))
	})

	t.Run("UniqueSalts", func(t *testing.T) {
		h1, err := HashPassword("same")
		require.NoError(t, err)
		h2, err := HashPassword("same")
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
	})

	t.Run("MalformedHash", func(t *testing.T) {
		assert.False(t, CheckPassword("x", "not-a-hash"))
		assert.False(t, CheckPassword("x", "argon2id$!!!$!!!"))
	})
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "alice", NormalizeName("  alice "))
	// NFKD folds compatibility characters to their plain forms.
	assert.Equal(t, "ﬁsh", "ﬁsh")
	assert.Equal(t, "fish", NormalizeName("ﬁsh"))
}

func TestRandomToken(t *testing.T) {
	tok, err := RandomToken(16)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	tok2, err := RandomToken(16)
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
}
