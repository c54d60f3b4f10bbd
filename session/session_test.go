package session

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

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return newSession(memory.New("s1", "", testVersion(t), "alice"))
}

func TestJoinAndLeave(t *testing.T) {
	s := newTestSession(t)

	alice, err := s.Join(JoinRequest{Name: "alice", IP: "192.0.2.1"})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), alice.ID)
	assert.Equal(t, 1, s.UserCount())

	bob, err := s.Join(JoinRequest{Name: "bob", IP: "192.0.2.2"})
	require.NoError(t, err)
	assert.NotEqual(t, alice.ID, bob.ID)

	t.Run("DuplicateName", func(t *testing.T) {
		_, err := s.Join(JoinRequest{Name: "alice", IP: "192.0.2.3"})
		assert.ErrorIs(t, err, ErrNameInUse)
	})

	t.Run("LookalikeNameCollides", func(t *testing.T) {
		_, err := s.Join(JoinRequest{Name: "  alice ", IP: "192.0.2.3"})
		assert.ErrorIs(t, err, ErrNameInUse)
	})

	s.Leave(alice.ID)
	assert.Equal(t, 1, s.UserCount())
	_, ok := s.MemberByID(alice.ID)
	assert.False(t, ok)
}

func TestJoinLimits(t *testing.T) {
	t.Run("Full", func(t *testing.T) {
		h := memory.New("s1", "", testVersion(t), "alice")
		h.SetMaxUsers(1)
		s := newSession(h)
		_, err := s.Join(JoinRequest{Name: "alice"})
		require.NoError(t, err)
		_, err = s.Join(JoinRequest{Name: "bob"})
		assert.ErrorIs(t, err, ErrSessionFull)

		// Moderators get in anyway.
		_, err = s.Join(JoinRequest{Name: "mod", Mod: true})
		assert.NoError(t, err)
	})

	t.Run("Closed", func(t *testing.T) {
		s := newTestSession(t)
		s.CloseToJoins()
		_, err := s.Join(JoinRequest{Name: "late"})
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("AuthOnly", func(t *testing.T) {
		s := newTestSession(t)
		s.SetFlags(s.Flags().With(history.AuthOnly, true))
		_, err := s.Join(JoinRequest{Name: "guest"})
		assert.ErrorIs(t, err, ErrAuthOnly)
		_, err = s.Join(JoinRequest{Name: "regd", AuthID: "auth:1"})
		assert.NoError(t, err)
	})
}

func TestRejoinKeepsID(t *testing.T) {
	s := newTestSession(t)
	alice, err := s.Join(JoinRequest{Name: "alice"})
	require.NoError(t, err)
	_, err = s.Join(JoinRequest{Name: "bob"})
	require.NoError(t, err)

	s.Leave(alice.ID)
	back, err := s.Join(JoinRequest{Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, back.ID)
}

func TestBans(t *testing.T) {
	s := newTestSession(t)
	mallory, err := s.Join(JoinRequest{Name: "mallory", IP: "198.51.100.7", Sid: "sid-m"})
	require.NoError(t, err)

	ban, ok := s.Ban(mallory.ID, "alice")
	require.True(t, ok)
	assert.Equal(t, "mallory", ban.Username)
	assert.Zero(t, s.UserCount(), "banning kicks the user")

	_, err = s.Join(JoinRequest{Name: "mallory2", IP: "198.51.100.7"})
	assert.ErrorIs(t, err, ErrBanned)

	t.Run("BanExempt", func(t *testing.T) {
		_, err := s.Join(JoinRequest{Name: "m3", IP: "198.51.100.7", BanExempt: true})
		assert.NoError(t, err)
	})

	t.Run("Unban", func(t *testing.T) {
		name, ok := s.Unban(ban.ID)
		require.True(t, ok)
		assert.Equal(t, "mallory", name)
		_, err := s.Join(JoinRequest{Name: "mallory", IP: "198.51.100.7"})
		assert.NoError(t, err)
	})
}

func TestBanExportImport(t *testing.T) {
	src := newTestSession(t)
	m, err := src.Join(JoinRequest{Name: "mallory", IP: "198.51.100.7"})
	require.NoError(t, err)
	_, ok := src.Ban(m.ID, "alice")
	require.True(t, ok)

	data, err := src.ExportBans()
	require.NoError(t, err)

	dst := newSession(memory.New("s2", "", testVersion(t), "bob"))
	imported, err := dst.ImportBans(data)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	_, err = dst.Join(JoinRequest{Name: "x", IP: "198.51.100.7"})
	assert.ErrorIs(t, err, ErrBanned)

	// Importing the same list again adds nothing.
	imported, err = dst.ImportBans(data)
	require.NoError(t, err)
	assert.Zero(t, imported)
}

func TestOperatorMemory(t *testing.T) {
	s := newTestSession(t)
	carol, err := s.Join(JoinRequest{Name: "carol", AuthID: "auth:7"})
	require.NoError(t, err)
	require.True(t, s.SetOperator(carol.ID, true))

	s.Leave(carol.ID)
	back, err := s.Join(JoinRequest{Name: "carol", AuthID: "auth:7"})
	require.NoError(t, err)
	assert.True(t, back.Op, "authenticated operators keep status across reconnects")
}

func TestPasswords(t *testing.T) {
	s := newTestSession(t)
	assert.True(t, s.CheckPassword("anything"), "no password set")

	require.NoError(t, s.SetPassword("sesame"))
	assert.True(t, s.HasPassword())
	assert.True(t, s.CheckPassword("sesame"))
	assert.False(t, s.CheckPassword("wrong"))

	assert.False(t, s.CheckOpword("sesame"), "no opword means no opword access")
}

func TestAutoResetRequest(t *testing.T) {
	h := memory.New("s1", "", testVersion(t), "alice")
	h.SetSizeLimit(100000)
	h.SetAutoResetThreshold(200)
	s := newSession(h)

	msg := protocol.NewMessage(protocol.MsgCommand, 1, make([]byte, 100))
	require.True(t, s.AddMessage(msg))
	assert.False(t, s.AutoResetRequested())

	require.True(t, s.AddMessage(msg))
	require.True(t, s.AddMessage(msg))
	assert.True(t, s.AutoResetRequested(), "crossing the threshold requests a reset")

	require.True(t, s.Reset([]protocol.Message{msg}))
	assert.False(t, s.AutoResetRequested(), "reset clears the request")
}

func TestDescribe(t *testing.T) {
	s := newSession(memory.New("s1", "sketch", testVersion(t), "alice"))
	_, err := s.Join(JoinRequest{Name: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.SetPassword("pw"))
	s.SetTitle("Tuesday doodles")

	d := s.Describe()
	assert.Equal(t, "s1", d.ID)
	assert.Equal(t, "sketch", d.Alias)
	assert.Equal(t, "dp:4.24.0", d.Protocol)
	assert.Equal(t, 1, d.UserCount)
	assert.True(t, d.Password)
	assert.Equal(t, "Tuesday doodles", d.Title)
	assert.False(t, d.Persisted)
}
