package filed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/protocol"
)

func testVersion(t *testing.T) protocol.ProtocolVersion {
	t.Helper()
	v, err := protocol.ParseProtocolVersion("dp:4.24.0")
	require.NoError(t, err)
	return v
}

func startTestHistory(t *testing.T, dir string) *History {
	t.Helper()
	h, err := StartNew(dir, "abc123", "doodle", testVersion(t), "alice", nil)
	require.NoError(t, err)
	return h
}

func TestStartNew(t *testing.T) {
	dir := t.TempDir()
	h := startTestHistory(t, dir)
	defer h.Close()

	assert.FileExists(t, filepath.Join(dir, "abc123.session"))
	assert.FileExists(t, filepath.Join(dir, "abc123.rec"))

	t.Run("DuplicateIDFails", func(t *testing.T) {
		_, err := StartNew(dir, "abc123", "", testVersion(t), "bob", nil)
		assert.Error(t, err)
	})
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h := startTestHistory(t, dir)

	var want []protocol.Message
	for i := 0; i < 20; i++ {
		m := protocol.NewMessage(protocol.MsgChat, uint8(i%5+1), []byte{byte(i), byte(i * 3)})
		require.True(t, h.AddMessage(m))
		want = append(want, m)
	}
	wantSize := h.SizeInBytes()

	h.SetTitle("Evening sketch")
	h.SetMaxUsers(12)
	h.SetFlags(history.Flags(0).With(history.Persistent, true).With(history.Nsfm, true))
	h.SetAutoResetThreshold(12345)
	h.SetPasswordHash("argon2id$c2FsdA$aGFzaA")
	h.AddAnnouncement("https://pub.example/api")
	h.SetAuthenticatedOperator("auth:7", true)
	h.SetAuthenticatedUsername("auth:7", "carol the op")
	h.AddBan("mallory", "10.0.0.1", "", "sid-1", "alice")
	h.JoinUser(3, "carol the op")
	require.NoError(t, h.Close())

	loaded, err := Load(filepath.Join(dir, "abc123.session"), nil)
	require.NoError(t, err)
	defer loaded.Close()

	t.Run("Metadata", func(t *testing.T) {
		assert.Equal(t, "abc123", loaded.ID())
		assert.Equal(t, "doodle", loaded.Alias())
		assert.Equal(t, "alice", loaded.Founder())
		assert.Equal(t, "Evening sketch", loaded.Title())
		assert.Equal(t, 12, loaded.MaxUsers())
		assert.True(t, loaded.Flags().Has(history.Persistent))
		assert.True(t, loaded.Flags().Has(history.Nsfm))
		assert.False(t, loaded.Flags().Has(history.AuthOnly))
		assert.Equal(t, uint64(12345), loaded.AutoResetThreshold())
		assert.Equal(t, "argon2id$c2FsdA$aGFzaA", loaded.PasswordHash())
		assert.Equal(t, []string{"https://pub.example/api"}, loaded.Announcements())
	})

	t.Run("Privileges", func(t *testing.T) {
		assert.True(t, loaded.IsOperator("auth:7"))
		name, ok := loaded.AuthenticatedUsername("auth:7")
		require.True(t, ok)
		assert.Equal(t, "carol the op", name)
	})

	t.Run("Bans", func(t *testing.T) {
		assert.True(t, loaded.IsBanned("10.0.0.1", "", ""))
		bans := loaded.Bans()
		require.Len(t, bans, 1)
		assert.Equal(t, "mallory", bans[0].Username)
	})

	t.Run("RejoinKeepsUserID", func(t *testing.T) {
		assert.Equal(t, uint8(3), loaded.IDQueue().NextID("carol the op"))
	})

	t.Run("MessagesByteIdentical", func(t *testing.T) {
		assert.Equal(t, wantSize, loaded.SizeInBytes())
		assert.Equal(t, len(want), loaded.MessageCount())
		for after := int64(-1); after < loaded.LastIndex(); after++ {
			batch, _ := loaded.GetBatch(after)
			require.NotEmpty(t, batch, "batch after %d", after)
			for i, m := range batch {
				assert.True(t, want[after+1+int64(i)].Equal(m), "message %d differs", after+1+int64(i))
			}
		}
	})
}

func TestCatchupKeysDisjointAfterReload(t *testing.T) {
	dir := t.TempDir()
	h := startTestHistory(t, dir)
	assert.Equal(t, history.MinCatchupKey, h.NextCatchupKey())
	assert.Equal(t, history.MinCatchupKey+1, h.NextCatchupKey())
	require.NoError(t, h.Close())

	loaded, err := Load(filepath.Join(dir, "abc123.session"), nil)
	require.NoError(t, err)
	defer loaded.Close()

	key := loaded.NextCatchupKey()
	assert.GreaterOrEqual(t, key, history.InitialCatchupKey,
		"reloaded sessions must allocate from the long-lived key range")
}

func TestResetStartsNewRecordingFile(t *testing.T) {
	dir := t.TempDir()
	h := startTestHistory(t, dir)

	for i := 0; i < 10; i++ {
		require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte{byte(i)})))
	}
	resetImage := []protocol.Message{
		protocol.NewMessage(protocol.MsgChat, 1, []byte("snapshot-a")),
		protocol.NewMessage(protocol.MsgChat, 1, []byte("snapshot-b")),
	}
	require.True(t, h.Reset(resetImage))

	assert.NoFileExists(t, filepath.Join(dir, "abc123.rec"))
	assert.FileExists(t, filepath.Join(dir, "abc123.1.rec"))

	assert.Equal(t, int64(10), h.FirstIndex())
	assert.Equal(t, int64(11), h.LastIndex())

	batch, last := h.GetBatch(5)
	assert.Equal(t, int64(11), last)
	require.Len(t, batch, 2)
	assert.True(t, resetImage[0].Equal(batch[0]))

	// The reset survives a reload too.
	require.NoError(t, h.Close())
	loaded, err := Load(filepath.Join(dir, "abc123.session"), nil)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, 2, loaded.MessageCount())
	batch, _ = loaded.GetBatch(-1)
	require.Len(t, batch, 2)
	assert.True(t, resetImage[1].Equal(batch[1]))
}

func TestBlockEvictionAndReload(t *testing.T) {
	dir := t.TempDir()
	h := startTestHistory(t, dir)
	defer h.Close()

	// Spill over into several blocks.
	payload := make([]byte, 64*1024)
	for i := 0; i < 40; i++ {
		payload[0] = byte(i)
		require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, payload)))
	}
	require.Greater(t, len(h.blocks), 2, "expected multiple blocks")

	h.CleanupBatches(h.LastIndex())
	assert.Nil(t, h.blocks[0].messages, "closed delivered blocks drop their cache")
	assert.NotNil(t, h.blocks[len(h.blocks)-1].messages, "tail block keeps its cache")

	batch, _ := h.GetBatch(-1)
	require.NotEmpty(t, batch)
	assert.Equal(t, byte(0), batch[0].Payload[0], "evicted block reloads from disk")
}

func TestCloseBlock(t *testing.T) {
	dir := t.TempDir()
	h := startTestHistory(t, dir)
	defer h.Close()

	require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte("x"))))
	before := len(h.blocks)
	h.CloseBlock()
	assert.Equal(t, before+1, len(h.blocks))

	// Closing an empty block is a no-op.
	h.CloseBlock()
	assert.Equal(t, before+1, len(h.blocks))
}

func TestTerminate(t *testing.T) {
	t.Run("RemovesFiles", func(t *testing.T) {
		dir := t.TempDir()
		h := startTestHistory(t, dir)
		require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte("x"))))
		require.NoError(t, h.Terminate())

		assert.NoFileExists(t, filepath.Join(dir, "abc123.session"))
		assert.NoFileExists(t, filepath.Join(dir, "abc123.rec"))
	})

	t.Run("ArchiveMode", func(t *testing.T) {
		dir := t.TempDir()
		h := startTestHistory(t, dir)
		h.SetArchive(true)
		require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte("x"))))
		require.NoError(t, h.Terminate())

		assert.NoFileExists(t, filepath.Join(dir, "abc123.session"))
		assert.FileExists(t, filepath.Join(dir, "abc123.session.archived"))
		assert.FileExists(t, filepath.Join(dir, "abc123.rec"))
	})
}

func TestDegradedPersistenceKeepsServing(t *testing.T) {
	dir := t.TempDir()
	h := startTestHistory(t, dir)
	defer h.Close()

	require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte("on disk"))))

	// Force a write failure by closing the recording file behind the
	// writer's back.
	h.recording.Close()
	require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte("memory only"))))
	assert.True(t, h.Degraded())

	// Both messages are still served, and cleanup must not evict the only
	// copy.
	h.CleanupBatches(h.LastIndex())
	batch, last := h.GetBatch(-1)
	assert.Equal(t, int64(1), last)
	require.Len(t, batch, 2)
	assert.Equal(t, []byte("memory only"), batch[1].Payload)
}

func TestLoadToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	h := startTestHistory(t, dir)
	for i := 0; i < 5; i++ {
		require.True(t, h.AddMessage(protocol.NewMessage(protocol.MsgChat, 1, []byte{byte(i)})))
	}
	require.NoError(t, h.Close())

	// Chop a few bytes off the recording, mid-record.
	recPath := filepath.Join(dir, "abc123.rec")
	info, err := os.Stat(recPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(recPath, info.Size()-3))

	loaded, err := Load(filepath.Join(dir, "abc123.session"), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.MessageCount(), "everything before the torn record survives")

	t.Run("TornBytesCutOff", func(t *testing.T) {
		info, err := InspectRecording(recPath)
		require.NoError(t, err)
		assert.Zero(t, info.TornBytes, "load discards the torn tail from the file")
	})

	// Messages appended after the load must land directly after the last
	// complete record, so an evicted block reloads them intact.
	fresh := protocol.NewMessage(protocol.MsgChat, 1, []byte("fresh"))
	require.True(t, loaded.AddMessage(fresh))
	loaded.CloseBlock()
	loaded.CleanupBatches(loaded.LastIndex() + 1)

	t.Run("AppendAfterEviction", func(t *testing.T) {
		batch, _ := loaded.GetBatch(3)
		require.Len(t, batch, 1)
		assert.True(t, fresh.Equal(batch[0]))
	})

	t.Run("AppendSurvivesReload", func(t *testing.T) {
		require.NoError(t, loaded.Close())
		reloaded, err := Load(filepath.Join(dir, "abc123.session"), nil)
		require.NoError(t, err)
		defer reloaded.Close()
		assert.Equal(t, 5, reloaded.MessageCount())
		batch, _ := reloaded.GetBatch(3)
		require.Len(t, batch, 1)
		assert.True(t, fresh.Equal(batch[0]))
	})
}
