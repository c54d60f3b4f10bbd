package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jmcleod/drawboard/config"
	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/history/filed"
	"github.com/jmcleod/drawboard/history/memory"
	"github.com/jmcleod/drawboard/protocol"
	"github.com/jmcleod/drawboard/serverlog"
)

// Manager is the registry of live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	cfg    *config.Config
	logger *slog.Logger
	events *serverlog.Logger
	dir    string

	onUserCountChange func(total int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionDir enables file-backed histories stored under dir.
func WithSessionDir(dir string) Option {
	return func(m *Manager) { m.dir = dir }
}

// WithUserCountCallback registers a hook called with the new total user
// count whenever someone joins or leaves.
func WithUserCountCallback(fn func(total int)) Option {
	return func(m *Manager) { m.onUserCountChange = fn }
}

func NewManager(cfg *config.Config, logger *slog.Logger, events *serverlog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = serverlog.New(logger, nil)
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		logger:   logger.With("component", "sessions"),
		events:   events,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateID mints a fresh unique session id.
func (m *Manager) GenerateID() string {
	return uuid.NewString()
}

// CreateSession starts a new session. An empty id gets a generated one.
func (m *Manager) CreateSession(id, alias string, version protocol.ProtocolVersion, founder string) (*Session, error) {
	if id == "" {
		id = m.GenerateID()
	}
	if !version.IsValid() {
		return nil, fmt.Errorf("%s: %w", version, ErrBadProtocol)
	}
	if minStr := m.cfg.GetString(config.MinimumProtocolVersion); minStr != "" {
		min, err := protocol.ParseProtocolVersion(minStr)
		if err == nil && !version.IsAtLeast(min) {
			return nil, fmt.Errorf("%s: %w", version, ErrBadProtocol)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if len(m.sessions) >= m.cfg.GetInt(config.SessionCountLimit) {
		return nil, ErrClosed
	}
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrIDInUse)
	}
	for _, s := range m.sessions {
		if alias != "" && (s.hist.Alias() == alias || s.hist.ID() == alias) {
			return nil, fmt.Errorf("alias %s: %w", alias, ErrIDInUse)
		}
	}

	var hist history.History
	if m.dir != "" {
		fh, err := filed.StartNew(m.dir, id, alias, version, founder, m.logger)
		if err != nil {
			return nil, fmt.Errorf("creating session history: %w", err)
		}
		fh.SetArchive(m.cfg.GetBool(config.ArchiveMode))
		hist = fh
	} else {
		hist = memory.New(id, alias, version, founder)
	}

	hist.SetSizeLimit(m.cfg.GetUint64(config.SessionSizeLimit))
	hist.SetAutoResetThreshold(m.cfg.GetUint64(config.AutoresetThreshold))
	hist.SetMaxUsers(m.cfg.GetInt(config.SessionUserLimit))
	if m.cfg.GetBool(config.ForceNsfm) {
		hist.SetFlags(hist.Flags().With(history.Nsfm, true))
	}

	s := newSession(hist)
	s.onUserCountChange = func() { m.sessionChanged(s) }
	m.sessions[id] = s

	m.events.Event(serverlog.TopicStatus).Session(id).User(founder).Info("session created")
	return s, nil
}

// LoadSessions restores persisted sessions from the session directory.
func (m *Manager) LoadSessions() error {
	if m.dir == "" {
		return nil
	}
	journals, err := filepath.Glob(filepath.Join(m.dir, "*.session"))
	if err != nil {
		return err
	}
	archive := m.cfg.GetBool(config.ArchiveMode)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, path := range journals {
		fh, err := filed.Load(path, m.logger)
		if err != nil {
			m.logger.Warn("could not restore session", "path", path, "error", err)
			continue
		}
		fh.SetArchive(archive)
		fh.SetSizeLimit(m.cfg.GetUint64(config.SessionSizeLimit))

		s := newSession(fh)
		s.onUserCountChange = func() { m.sessionChanged(s) }
		m.sessions[fh.ID()] = s
		m.logger.Info("restored session", "session", fh.ID(), "messages", fh.MessageCount())
	}
	return nil
}

// GetSessionByID finds a session by id or alias.
func (m *Manager) GetSessionByID(idOrAlias string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[idOrAlias]; ok {
		return s
	}
	for _, s := range m.sessions {
		if s.hist.Alias() != "" && s.hist.Alias() == idOrAlias {
			return s
		}
	}
	return nil
}

// CheckSessionJoin resolves a join target and, when an invite secret is
// presented, consumes one use of it.
func (m *Manager) CheckSessionJoin(idOrAlias, inviteSecret string) (*Session, InviteStatus, error) {
	s := m.GetSessionByID(idOrAlias)
	if s == nil {
		return nil, InviteNotFound, fmt.Errorf("%s: %w", idOrAlias, ErrNotFound)
	}
	invite := InviteNotFound
	if inviteSecret != "" {
		invite = s.Invites().Use(inviteSecret)
	}
	return s, invite, nil
}

// RemoveSession terminates a session and drops it from the registry.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := s.Terminate(); err != nil {
		m.logger.Warn("terminating session", "session", id, "error", err)
	}
	m.events.Event(serverlog.TopicStatus).Session(id).Info("session ended")
	// Removal can end the last session after its users are long gone, so the
	// count hook must re-fire here, not just on join and leave.
	if m.onUserCountChange != nil {
		m.onUserCountChange(m.TotalUsers())
	}
	return true
}

func (m *Manager) sessionChanged(s *Session) {
	if s.UserCount() == 0 && !s.Flags().Has(history.Persistent) {
		if m.cfg.GetDuration(config.EmptySessionLingerTime) <= 0 {
			m.RemoveSession(s.ID())
		}
	}
	if m.onUserCountChange != nil {
		m.onUserCountChange(m.TotalUsers())
	}
}

// Sweep removes non-persistent sessions that have lingered empty past the
// configured grace period, and any session idle past the idle time limit.
// Called periodically by the server.
func (m *Manager) Sweep() {
	linger := m.cfg.GetDuration(config.EmptySessionLingerTime)
	idle := m.cfg.GetDuration(config.IdleTimeLimit)

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		flags := s.Flags()
		switch {
		case linger > 0 && !flags.Has(history.Persistent) && s.EmptyDuration() > linger:
			expired = append(expired, id)
		case idle > 0 && !flags.Has(history.IdleOverride) && s.IdleDuration() > idle:
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		m.RemoveSession(id)
	}
}

// SessionCount is the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// TotalUsers is the number of users connected across all sessions.
func (m *Manager) TotalUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, s := range m.sessions {
		total += s.UserCount()
	}
	return total
}

// Descriptions lists every session, ordered by id.
func (m *Manager) Descriptions() []Description {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Description, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll shuts every session down, keeping persistent histories on disk,
// and stops accepting new sessions.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Shutdown(); err != nil {
			m.logger.Warn("closing session", "session", id, "error", err)
		}
	}
}
