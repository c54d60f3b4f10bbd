package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/drawboard/protocol"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	v, err := protocol.ParseProtocolVersion("dp:4.24.0")
	require.NoError(t, err)
	return New("0123", "doodle", v, "alice")
}

func TestMetadata(t *testing.T) {
	h := newTestHistory(t)

	assert.Equal(t, "0123", h.ID())
	assert.Equal(t, "doodle", h.Alias())
	assert.Equal(t, "alice", h.Founder())
	assert.Equal(t, 254, h.MaxUsers())

	h.SetTitle("Sketch night")
	assert.Equal(t, "Sketch night", h.Title())

	h.SetMaxUsers(1000)
	assert.Equal(t, 254, h.MaxUsers())
	h.SetMaxUsers(0)
	assert.Equal(t, 1, h.MaxUsers())

	h.SetFlags(h.Flags().With(1, true)) // Persistent
	assert.True(t, h.Flags().Has(1))
}

func TestAutoResetThresholdClamp(t *testing.T) {
	h := newTestHistory(t)

	h.SetAutoResetThreshold(5000)
	assert.Equal(t, uint64(5000), h.AutoResetThreshold(), "unlimited history keeps the raw threshold")

	h.SetSizeLimit(1000)
	h.SetAutoResetThreshold(5000)
	assert.Equal(t, uint64(900), h.AutoResetThreshold(), "threshold clamps to 90%% of the size limit")
}

func TestGetBatch(t *testing.T) {
	h := newTestHistory(t)
	var want []protocol.Message
	for i := 0; i < 5; i++ {
		m := protocol.NewMessage(protocol.MsgChat, 1, []byte{byte(i)})
		require.True(t, h.AddMessage(m))
		want = append(want, m)
	}

	t.Run("FromStart", func(t *testing.T) {
		batch, last := h.GetBatch(-1)
		assert.Equal(t, int64(4), last)
		require.Len(t, batch, 5)
		for i, m := range batch {
			assert.True(t, want[i].Equal(m))
		}
	})

	t.Run("Midway", func(t *testing.T) {
		batch, last := h.GetBatch(2)
		assert.Equal(t, int64(4), last)
		require.Len(t, batch, 2)
		assert.True(t, want[3].Equal(batch[0]))
	})

	t.Run("CaughtUp", func(t *testing.T) {
		batch, last := h.GetBatch(4)
		assert.Empty(t, batch)
		assert.Equal(t, int64(4), last)
	})

	t.Run("BeyondEnd", func(t *testing.T) {
		batch, last := h.GetBatch(99)
		assert.Empty(t, batch)
		assert.Equal(t, int64(4), last)
	})
}

func TestGetBatchAcrossReset(t *testing.T) {
	h := newTestHistory(t)
	for i := 0; i < 5; i++ {
		require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte{byte(i)})))
	}
	reset := []protocol.Message{protocol.NewMessage(protocol.MsgChat, 1, []byte("fresh"))}
	require.True(t, h.Reset(reset))

	// A client stuck before the reset boundary gets the replacement
	// content at its new indices.
	batch, last := h.GetBatch(1)
	assert.Equal(t, int64(5), last)
	require.Len(t, batch, 1)
	assert.True(t, reset[0].Equal(batch[0]))
}

func TestAnnouncements(t *testing.T) {
	h := newTestHistory(t)
	h.AddAnnouncement("https://pub.example/api")
	h.AddAnnouncement("https://pub.example/api")
	assert.Len(t, h.Announcements(), 1)
	h.RemoveAnnouncement("https://pub.example/api")
	assert.Empty(t, h.Announcements())
}

func TestTerminateIsNoOp(t *testing.T) {
	h := newTestHistory(t)
	require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte("x"))))
	assert.NoError(t, h.Terminate())
	h.CleanupBatches(100)
	batch, _ := h.GetBatch(-1)
	assert.Len(t, batch, 1, "cleanup hints must not evict anything in RAM")
}
