// Package session ties a history to its connected members: joins and parts,
// user id assignment, operator and trust status, invites, autoreset requests
// and the session registry.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/internal/util"
	"github.com/jmcleod/drawboard/protocol"
)

var (
	// Creation errors.
	ErrIDInUse     = errors.New("session id already in use")
	ErrBadProtocol = errors.New("unsupported protocol version")
	ErrClosed      = errors.New("not accepting new sessions")

	// Join errors.
	ErrNotFound    = errors.New("no such session")
	ErrBanned      = errors.New("banned from this session")
	ErrSessionFull = errors.New("session is full")
	ErrNameInUse   = errors.New("name already taken in this session")
	ErrAuthOnly    = errors.New("session requires a registered account")
)

// Member is one connected user of a session.
type Member struct {
	ID      uint8  `json:"id"`
	Name    string `json:"name"`
	AuthID  string `json:"-"`
	Sid     string `json:"-"`
	IP      string `json:"ip"`
	Op      bool   `json:"op"`
	Trusted bool   `json:"trusted"`
	Mod     bool   `json:"mod"`
	Muted   bool   `json:"muted"`

	Joined time.Time `json:"joined"`
}

// JoinRequest carries an already-authenticated user into a session. Password
// and invite checks happen during login, before this point.
type JoinRequest struct {
	Name      string
	AuthID    string
	Sid       string
	IP        string
	Mod       bool
	BanExempt bool
}

// Session owns one history and the users connected to it. All history access
// goes through the session, which serializes it.
type Session struct {
	mu      sync.Mutex
	hist    history.History
	members map[uint8]*Member

	invites        *InviteList
	resetRequested bool
	closed         bool
	emptySince     time.Time
	lastActivity   time.Time

	onUserCountChange func()
}

func newSession(hist history.History) *Session {
	return &Session{
		hist:         hist,
		members:      make(map[uint8]*Member),
		invites:      NewInviteList(),
		emptySince:   time.Now(),
		lastActivity: time.Now(),
	}
}

func (s *Session) ID() string { return s.hist.ID() }

func (s *Session) Alias() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Alias()
}

// AliasOrID returns the session alias if one is set, the id otherwise.
func (s *Session) AliasOrID() string {
	if alias := s.Alias(); alias != "" {
		return alias
	}
	return s.ID()
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Title()
}

func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist.SetTitle(title)
}

func (s *Session) Founder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Founder()
}

func (s *Session) ProtocolVersion() protocol.ProtocolVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.ProtocolVersion()
}

func (s *Session) Flags() history.Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Flags()
}

func (s *Session) SetFlags(f history.Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist.SetFlags(f)
}

func (s *Session) HasPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.PasswordHash() != ""
}

// SetPassword hashes and stores the session password. Empty clears it.
func (s *Session) SetPassword(password string) error {
	hash, err := util.HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist.SetPasswordHash(hash)
	return nil
}

// CheckPassword verifies a join password. A session without a password
// accepts anything.
func (s *Session) CheckPassword(password string) bool {
	s.mu.Lock()
	hash := s.hist.PasswordHash()
	s.mu.Unlock()
	if hash == "" {
		return true
	}
	return util.CheckPassword(password, hash)
}

// CheckOpword verifies the operator password. Fails when none is set.
func (s *Session) CheckOpword(opword string) bool {
	s.mu.Lock()
	hash := s.hist.OpwordHash()
	s.mu.Unlock()
	if hash == "" {
		return false
	}
	return util.CheckPassword(opword, hash)
}

func (s *Session) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

func (s *Session) MaxUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.MaxUsers()
}

func (s *Session) SetMaxUsers(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist.SetMaxUsers(count)
}

// Join adds a user to the session and returns their member record with a
// freshly assigned (or remembered) user id.
func (s *Session) Join(req JoinRequest) (Member, error) {
	name := util.NormalizeName(req.Name)

	s.mu.Lock()
	member, err := s.joinLocked(req, name)
	s.mu.Unlock()
	if err != nil {
		return Member{}, err
	}
	s.notifyUserCountChange()
	return member, nil
}

func (s *Session) joinLocked(req JoinRequest, name string) (Member, error) {
	if s.closed {
		return Member{}, ErrClosed
	}
	if !req.Mod && !req.BanExempt && s.hist.IsBanned(req.IP, req.AuthID, req.Sid) {
		return Member{}, ErrBanned
	}
	if s.hist.Flags().Has(history.AuthOnly) && req.AuthID == "" && !req.Mod {
		return Member{}, ErrAuthOnly
	}
	if !req.Mod && len(s.members) >= s.hist.MaxUsers() {
		return Member{}, ErrSessionFull
	}
	for _, m := range s.members {
		if m.Name == name {
			return Member{}, ErrNameInUse
		}
	}

	id := s.hist.IDQueue().NextID(name)
	if id == 0 {
		return Member{}, ErrSessionFull
	}
	s.hist.JoinUser(id, name)

	member := &Member{
		ID:     id,
		Name:   name,
		AuthID: req.AuthID,
		Sid:    req.Sid,
		IP:     req.IP,
		Mod:    req.Mod,
		Joined: time.Now(),
	}
	if req.AuthID != "" {
		member.Op = s.hist.IsOperator(req.AuthID)
		member.Trusted = s.hist.IsTrusted(req.AuthID)
		s.hist.SetAuthenticatedUsername(req.AuthID, name)
	}
	s.members[id] = member

	s.hist.AddEmergencyMessage(protocol.NewMessage(protocol.MsgJoin, id, []byte(name)))
	return *member, nil
}

// Leave removes a user. Their id is released for eventual reuse.
func (s *Session) Leave(id uint8) {
	s.mu.Lock()
	if _, ok := s.members[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.members, id)
	s.hist.IDQueue().Release(id)
	s.hist.AddEmergencyMessage(protocol.NewMessage(protocol.MsgLeave, id, nil))
	if len(s.members) == 0 {
		s.emptySince = time.Now()
	}
	s.mu.Unlock()
	s.notifyUserCountChange()
}

func (s *Session) notifyUserCountChange() {
	if s.onUserCountChange != nil {
		s.onUserCountChange()
	}
}

// MemberByID returns a snapshot of a member record.
func (s *Session) MemberByID(id uint8) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns a snapshot of all connected members.
func (s *Session) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, *m)
	}
	return out
}

// SetOperator grants or revokes operator status. Authenticated users keep
// the status across reconnects.
func (s *Session) SetOperator(id uint8, op bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return false
	}
	m.Op = op
	if m.AuthID != "" {
		s.hist.SetAuthenticatedOperator(m.AuthID, op)
	}
	s.hist.AddEmergencyMessage(protocol.NewMessage(protocol.MsgSessionOwner, id, s.operatorListLocked()))
	return true
}

// SetTrusted grants or revokes trusted status.
func (s *Session) SetTrusted(id uint8, trusted bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return false
	}
	m.Trusted = trusted
	if m.AuthID != "" {
		s.hist.SetAuthenticatedTrust(m.AuthID, trusted)
	}
	s.hist.AddEmergencyMessage(protocol.NewMessage(protocol.MsgTrustedUsers, id, s.trustedListLocked()))
	return true
}

func (s *Session) operatorListLocked() []byte {
	var ids []byte
	for id, m := range s.members {
		if m.Op {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) trustedListLocked() []byte {
	var ids []byte
	for id, m := range s.members {
		if m.Trusted {
			ids = append(ids, id)
		}
	}
	return ids
}

// AddMessage appends a drawing command to the history. Returns false when
// the history is out of space, in which case an autoreset has been
// requested.
func (s *Session) AddMessage(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if !s.hist.AddMessage(msg) {
		s.resetRequested = true
		return false
	}
	if t := s.hist.EffectiveAutoResetThreshold(); t > 0 && s.hist.SizeInBytes() > t {
		s.resetRequested = true
	}
	return true
}

// AutoResetRequested reports whether the session wants an operator to
// submit a fresh reset image. Cleared by Reset.
func (s *Session) AutoResetRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetRequested
}

// Reset replaces the history with a new baseline image.
func (s *Session) Reset(newHistory []protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hist.Reset(newHistory) {
		return false
	}
	s.resetRequested = false
	return true
}

// GetBatch fetches history after the given index for one client's catchup.
func (s *Session) GetBatch(after int64) ([]protocol.Message, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.GetBatch(after)
}

// CleanupBatches tells the history that every client has consumed up to the
// given index.
func (s *Session) CleanupBatches(before int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist.CleanupBatches(before)
}

// CatchupKey allocates a catchup cursor for a newly joining client.
func (s *Session) CatchupKey() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.NextCatchupKey()
}

// LastIndex is the index of the newest history message.
func (s *Session) LastIndex() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.LastIndex()
}

// NewMessages is the history's coalescing new-content signal.
func (s *Session) NewMessages() <-chan struct{} { return s.hist.NewMessages() }

func (s *Session) Invites() *InviteList { return s.invites }

// Ban adds a member of the session to its ban list and kicks them out.
func (s *Session) Ban(id uint8, bannedBy string) (history.Ban, bool) {
	s.mu.Lock()
	m, ok := s.members[id]
	if !ok {
		s.mu.Unlock()
		return history.Ban{}, false
	}
	if m.Mod {
		s.mu.Unlock()
		return history.Ban{}, false
	}
	ban, ok := s.hist.AddBan(m.Name, m.IP, m.AuthID, m.Sid, bannedBy)
	s.mu.Unlock()
	if ok {
		s.Leave(id)
	}
	return ban, ok
}

// Unban removes a ban list entry by id.
func (s *Session) Unban(banID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.RemoveBan(banID)
}

func (s *Session) Bans() []history.Ban {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Bans()
}

// ExportBans serializes the ban list for transfer to another session.
func (s *Session) ExportBans() ([]byte, error) {
	return json.Marshal(s.Bans())
}

// ImportBans merges a previously exported ban list. Duplicate identities are
// skipped.
func (s *Session) ImportBans(data []byte) (int, error) {
	var bans []history.Ban
	if err := json.Unmarshal(data, &bans); err != nil {
		return 0, fmt.Errorf("parsing ban export: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	imported := 0
	for _, b := range bans {
		if _, ok := s.hist.AddBan(b.Username, b.IP, b.ExtAuthID, b.Sid, b.BannedBy); ok {
			imported++
		}
	}
	return imported, nil
}

// SizeInBytes is the current history size.
func (s *Session) SizeInBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.SizeInBytes()
}

// Description is the session listing entry served to clients and admins.
type Description struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias,omitempty"`
	Protocol  string    `json:"protocol"`
	UserCount int       `json:"userCount"`
	MaxUsers  int       `json:"maxUserCount"`
	Founder   string    `json:"founder"`
	Password  bool      `json:"hasPassword"`
	Title     string    `json:"title"`
	Nsfm      bool      `json:"nsfm"`
	Persisted bool      `json:"persistent"`
	StartTime time.Time `json:"startTime"`
	Size      uint64    `json:"size"`
}

func (s *Session) Describe() Description {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags := s.hist.Flags()
	return Description{
		ID:        s.hist.ID(),
		Alias:     s.hist.Alias(),
		Protocol:  s.hist.ProtocolVersion().String(),
		UserCount: len(s.members),
		MaxUsers:  s.hist.MaxUsers(),
		Founder:   s.hist.Founder(),
		Password:  s.hist.PasswordHash() != "",
		Title:     s.hist.Title(),
		Nsfm:      flags.Has(history.Nsfm),
		Persisted: flags.Has(history.Persistent),
		StartTime: s.hist.StartTime(),
		Size:      s.hist.SizeInBytes(),
	}
}

// IdleDuration is how long since a drawing command was last added.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// EmptyDuration is how long the session has been without users. Zero while
// users are present.
func (s *Session) EmptyDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.members) > 0 {
		return 0
	}
	return time.Since(s.emptySince)
}

// CloseToJoins stops accepting new members; connected users stay.
func (s *Session) CloseToJoins() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Shutdown releases the history's resources, keeping persistent state on
// disk.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.hist.Close()
}

// Terminate ends the session and disposes of its history per the backend's
// archive policy.
func (s *Session) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.hist.Terminate()
}
