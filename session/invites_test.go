package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInviteLifecycle(t *testing.T) {
	l := NewInviteList()
	inv, err := l.Create("alice", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, inv.Secret)

	assert.Equal(t, InviteOk, l.Check(inv.Secret))
	assert.Equal(t, InviteNotFound, l.Check("bogus"))

	assert.Equal(t, InviteOk, l.Use(inv.Secret))
	assert.Equal(t, InviteOk, l.Use(inv.Secret))
	assert.Equal(t, InviteLimitReached, l.Use(inv.Secret))
	assert.Equal(t, InviteLimitReached, l.Check(inv.Secret))

	assert.True(t, l.Remove(inv.Secret))
	assert.False(t, l.Remove(inv.Secret))
	assert.Equal(t, InviteNotFound, l.Use(inv.Secret))
}

func TestInviteUnlimitedUses(t *testing.T) {
	l := NewInviteList()
	inv, err := l.Create("alice", 0)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		assert.Equal(t, InviteOk, l.Use(inv.Secret))
	}
	list := l.List()
	require.Len(t, list, 1)
	assert.Equal(t, 50, list[0].Uses)
}
