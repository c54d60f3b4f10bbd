package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/drawboard/config"
	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/protocol"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *config.Config) {
	t.Helper()
	cfg := config.New(nil)
	return NewManager(cfg, nil, nil, opts...), cfg
}

func TestCreateSession(t *testing.T) {
	m, cfg := newTestManager(t)

	s, err := m.CreateSession("sess-1", "doodle", testVersion(t), "alice")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID())
	assert.Equal(t, 1, m.SessionCount())

	t.Run("GeneratedID", func(t *testing.T) {
		s, err := m.CreateSession("", "", testVersion(t), "bob")
		require.NoError(t, err)
		assert.NotEmpty(t, s.ID())
	})

	t.Run("IDInUse", func(t *testing.T) {
		_, err := m.CreateSession("sess-1", "", testVersion(t), "bob")
		assert.ErrorIs(t, err, ErrIDInUse)
	})

	t.Run("AliasInUse", func(t *testing.T) {
		_, err := m.CreateSession("sess-2", "doodle", testVersion(t), "bob")
		assert.ErrorIs(t, err, ErrIDInUse)
	})

	t.Run("BadProtocol", func(t *testing.T) {
		require.NoError(t, cfg.SetValue(config.MinimumProtocolVersion, "dp:4.24.0"))
		old := mustVersion(t, "dp:4.20.1")
		_, err := m.CreateSession("sess-3", "", old, "bob")
		assert.ErrorIs(t, err, ErrBadProtocol)
	})

	t.Run("CountLimit", func(t *testing.T) {
		require.NoError(t, cfg.SetValue(config.SessionCountLimit, "2"))
		_, err := m.CreateSession("sess-4", "", testVersion(t), "bob")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestLookup(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateSession("sess-1", "doodle", testVersion(t), "alice")
	require.NoError(t, err)

	assert.NotNil(t, m.GetSessionByID("sess-1"))
	assert.NotNil(t, m.GetSessionByID("doodle"))
	assert.Nil(t, m.GetSessionByID("missing"))
}

func TestCheckSessionJoinWithInvites(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.CreateSession("sess-1", "", testVersion(t), "alice")
	require.NoError(t, err)
	inv, err := s.Invites().Create("alice", 1)
	require.NoError(t, err)

	t.Run("UnknownSession", func(t *testing.T) {
		_, _, err := m.CheckSessionJoin("missing", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		got, status, err := m.CheckSessionJoin("sess-1", "not-a-secret")
		require.NoError(t, err)
		assert.Same(t, s, got)
		assert.Equal(t, InviteNotFound, status)
	})

	t.Run("GoodSecret", func(t *testing.T) {
		_, status, err := m.CheckSessionJoin("sess-1", inv.Secret)
		require.NoError(t, err)
		assert.Equal(t, InviteOk, status)
	})

	t.Run("UseLimit", func(t *testing.T) {
		_, status, err := m.CheckSessionJoin("sess-1", inv.Secret)
		require.NoError(t, err)
		assert.Equal(t, InviteLimitReached, status)
	})
}

func TestEmptySessionRemoved(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.CreateSession("sess-1", "", testVersion(t), "alice")
	require.NoError(t, err)

	alice, err := s.Join(JoinRequest{Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalUsers())

	s.Leave(alice.ID)
	assert.Zero(t, m.SessionCount(), "last user leaving ends a non-persistent session")
}

func TestPersistentSessionSurvivesEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.CreateSession("sess-1", "", testVersion(t), "alice")
	require.NoError(t, err)
	s.SetFlags(s.Flags().With(history.Persistent, true))

	alice, err := s.Join(JoinRequest{Name: "alice"})
	require.NoError(t, err)
	s.Leave(alice.ID)
	assert.Equal(t, 1, m.SessionCount())
}

func TestUserCountCallback(t *testing.T) {
	var totals []int
	m, _ := newTestManager(t, WithUserCountCallback(func(total int) {
		totals = append(totals, total)
	}))
	s, err := m.CreateSession("sess-1", "", testVersion(t), "alice")
	require.NoError(t, err)
	s.SetFlags(s.Flags().With(history.Persistent, true))

	alice, err := s.Join(JoinRequest{Name: "alice"})
	require.NoError(t, err)
	s.Leave(alice.ID)
	assert.Equal(t, []int{1, 0}, totals)
}

func TestRemoveSessionNotifiesUserCount(t *testing.T) {
	var totals []int
	m, cfg := newTestManager(t, WithUserCountCallback(func(total int) {
		totals = append(totals, total)
	}))
	require.NoError(t, cfg.SetValue(config.EmptySessionLingerTime, "60"))

	s, err := m.CreateSession("sess-1", "", testVersion(t), "alice")
	require.NoError(t, err)
	alice, err := s.Join(JoinRequest{Name: "alice"})
	require.NoError(t, err)
	s.Leave(alice.ID)
	require.Equal(t, 1, m.SessionCount(), "lingering session outlives its last user")

	s.mu.Lock()
	s.emptySince = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()
	m.Sweep()
	assert.Zero(t, m.SessionCount())
	assert.Equal(t, []int{1, 0, 0}, totals, "sweeping out the last session re-fires the count hook")
}

func TestSweepIdleSessions(t *testing.T) {
	m, cfg := newTestManager(t)
	require.NoError(t, cfg.SetValue(config.IdleTimeLimit, "1"))

	idle, err := m.CreateSession("idle", "", testVersion(t), "alice")
	require.NoError(t, err)
	overridden, err := m.CreateSession("overridden", "", testVersion(t), "bob")
	require.NoError(t, err)
	overridden.SetFlags(overridden.Flags().With(history.IdleOverride, true))

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-time.Minute)
	idle.mu.Unlock()
	overridden.mu.Lock()
	overridden.lastActivity = time.Now().Add(-time.Minute)
	overridden.mu.Unlock()

	m.Sweep()
	assert.Nil(t, m.GetSessionByID("idle"))
	assert.NotNil(t, m.GetSessionByID("overridden"))
}

func TestFiledManagerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := config.New(nil)
	m := NewManager(cfg, nil, nil, WithSessionDir(dir))

	s, err := m.CreateSession("sess-1", "doodle", testVersion(t), "alice")
	require.NoError(t, err)
	s.SetFlags(s.Flags().With(history.Persistent, true))
	s.SetTitle("carries over")
	m.StopAll()

	m2 := NewManager(cfg, nil, nil, WithSessionDir(dir))
	require.NoError(t, m2.LoadSessions())
	restored := m2.GetSessionByID("sess-1")
	require.NotNil(t, restored)
	assert.Equal(t, "carries over", restored.Title())
	assert.Equal(t, "doodle", restored.Alias())
	m2.StopAll()
}

func mustVersion(t *testing.T, s string) protocol.ProtocolVersion {
	t.Helper()
	parsed, err := protocol.ParseProtocolVersion(s)
	require.NoError(t, err)
	return parsed
}
