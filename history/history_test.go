package history_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/history/memory"
	"github.com/jmcleod/drawboard/protocol"
)

func testVersion(t *testing.T) protocol.ProtocolVersion {
	t.Helper()
	v, err := protocol.ParseProtocolVersion("dp:4.24.0")
	require.NoError(t, err)
	return v
}

func chatMessage(payloadLen int) protocol.Message {
	return protocol.NewMessage(protocol.MsgChat, 1, make([]byte, payloadLen))
}

func TestSizeAccounting(t *testing.T) {
	h := memory.New("test", "", testVersion(t), "alice")
	msg := chatMessage(94) // 100 bytes serialized
	msgSize := uint64(msg.Size())
	h.SetSizeLimit(10 * msgSize)

	t.Run("WithinLimit", func(t *testing.T) {
		var total uint64
		for i := 0; i < 10; i++ {
			require.True(t, h.AddMessage(msg), "message %d should fit", i)
			total += msgSize
			assert.Equal(t, total, h.SizeInBytes())
		}
		assert.Equal(t, int64(9), h.LastIndex())
		assert.Equal(t, 10, h.MessageCount())
	})

	t.Run("LimitReached", func(t *testing.T) {
		before := h.SizeInBytes()
		assert.False(t, h.AddMessage(msg))
		assert.Equal(t, before, h.SizeInBytes(), "failed add must not mutate")
		assert.Equal(t, int64(9), h.LastIndex())
	})
}

func TestEmergencySpace(t *testing.T) {
	h := memory.New("test", "", testVersion(t), "alice")
	msg := chatMessage(1024*1024 - 6) // exactly 1 MiB serialized
	h.SetSizeLimit(uint64(msg.Size()))

	require.True(t, h.AddMessage(msg))
	assert.False(t, h.AddMessage(msg), "regular space is spent")

	// The emergency MiB fits exactly one more of these.
	assert.True(t, h.AddEmergencyMessage(msg))
	assert.False(t, h.AddEmergencyMessage(msg), "emergency space is spent too")
	assert.Equal(t, 2*uint64(msg.Size()), h.SizeInBytes())
}

func TestReset(t *testing.T) {
	h := memory.New("test", "", testVersion(t), "alice")
	h.SetSizeLimit(1024 * 1024)

	for i := 0; i < 5; i++ {
		require.True(t, h.AddMessage(chatMessage(50)))
	}
	require.Equal(t, int64(4), h.LastIndex())

	newHistory := []protocol.Message{chatMessage(10), chatMessage(20)}

	t.Run("ReplacesContentNotIndices", func(t *testing.T) {
		require.True(t, h.Reset(newHistory))
		assert.Equal(t, protocol.TotalSize(newHistory), h.SizeInBytes(), "size is replaced, not added")
		assert.Equal(t, 2, h.MessageCount())
		assert.Equal(t, int64(5), h.FirstIndex(), "index space is never rewound")
		assert.Equal(t, int64(6), h.LastIndex())

		batch, last := h.GetBatch(4)
		assert.Equal(t, int64(6), last)
		require.Len(t, batch, 2)
	})

	t.Run("OversizedResetFailsWithoutMutation", func(t *testing.T) {
		first, lastIdx, size := h.FirstIndex(), h.LastIndex(), h.SizeInBytes()
		huge := []protocol.Message{chatMessage(2 * 1024 * 1024)}
		assert.False(t, h.Reset(huge))
		assert.Equal(t, first, h.FirstIndex())
		assert.Equal(t, lastIdx, h.LastIndex())
		assert.Equal(t, size, h.SizeInBytes())
	})

	t.Run("ResetRaisesEffectiveAutoResetThreshold", func(t *testing.T) {
		h.SetAutoResetThreshold(500)
		assert.Equal(t, uint64(500)+h.SizeInBytes(), h.EffectiveAutoResetThreshold())
	})
}

func TestCatchupKeys(t *testing.T) {
	t.Run("FreshHistoryCountsFromMin", func(t *testing.T) {
		h := memory.New("test", "", testVersion(t), "alice")
		assert.Equal(t, history.MinCatchupKey, h.NextCatchupKey())
		assert.Equal(t, history.MinCatchupKey+1, h.NextCatchupKey())
	})

	t.Run("NeverZeroAndWraps", func(t *testing.T) {
		next := history.MaxCatchupKey
		key := history.IncrementCatchupKey(&next)
		assert.Equal(t, history.MaxCatchupKey, key)
		assert.Equal(t, history.InitialCatchupKey, next)

		key = history.IncrementCatchupKey(&next)
		assert.Equal(t, history.InitialCatchupKey, key)
		assert.NotZero(t, key)
	})
}

func TestNewMessagesSignal(t *testing.T) {
	h := memory.New("test", "", testVersion(t), "alice")

	select {
	case <-h.NewMessages():
		t.Fatal("no signal expected before any append")
	default:
	}

	require.True(t, h.AddMessage(chatMessage(10)))
	require.True(t, h.AddMessage(chatMessage(10)))

	// Signals coalesce: two appends, one wakeup.
	select {
	case <-h.NewMessages():
	default:
		t.Fatal("expected a new-messages signal")
	}
	select {
	case <-h.NewMessages():
		t.Fatal("signal should have been drained")
	default:
	}
}

func TestBanPersistenceContract(t *testing.T) {
	h := memory.New("test", "", testVersion(t), "alice")

	b, ok := h.AddBan("mallory", "10.0.0.1", "", "sid-1", "alice")
	require.True(t, ok)
	assert.Equal(t, "mallory", b.Username)

	_, ok = h.AddBan("mallory-again", "10.0.0.1", "", "", "alice")
	assert.False(t, ok, "duplicate identity must not create a second entry")

	assert.True(t, h.IsBanned("10.0.0.1", "", ""))
	assert.True(t, h.IsBanned("10.9.9.9", "", "sid-1"))
	assert.False(t, h.IsBanned("10.9.9.9", "", "other"))

	username, ok := h.RemoveBan(b.ID)
	require.True(t, ok)
	assert.Equal(t, "mallory", username)
	assert.False(t, h.IsBanned("10.0.0.1", "", ""))

	_, ok = h.RemoveBan(b.ID)
	assert.False(t, ok)
}

func TestAuthenticatedPrivilegeMemory(t *testing.T) {
	h := memory.New("test", "", testVersion(t), "alice")

	h.SetAuthenticatedOperator("auth:1", true)
	h.SetAuthenticatedTrust("auth:2", true)
	h.SetAuthenticatedUsername("auth:1", "alice")

	assert.True(t, h.IsOperator("auth:1"))
	assert.False(t, h.IsOperator("auth:2"))
	assert.True(t, h.IsTrusted("auth:2"))
	assert.True(t, h.HasAuthenticatedOperators())

	name, ok := h.AuthenticatedUsername("auth:1")
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	h.SetAuthenticatedOperator("auth:1", false)
	assert.False(t, h.IsOperator("auth:1"))
	assert.False(t, h.HasAuthenticatedOperators())

	// Blank auth ids (guests) are never remembered.
	h.SetAuthenticatedOperator("", true)
	assert.False(t, h.HasAuthenticatedOperators())
}
