// Package history implements the per-session append-only message log: size
// accounting, catch-up keys, the ban list and authenticated-privilege memory.
//
// A History is the single source of truth for late joiners and reconnecting
// clients. It is not safe for concurrent use; the owning session serializes
// all access.
package history

import (
	"time"

	"github.com/jmcleod/drawboard/protocol"
)

// Catch-up keys are opaque cursors handed to clients so they can resume
// without replaying the numeric index space. Fresh histories allocate from
// MinCatchupKey; histories that survived a restart resume from
// InitialCatchupKey so a stale key from a previous run can never alias a
// fresh one. A key is never 0.
const (
	MinCatchupKey     = 1
	MaxCatchupKey     = 999999999
	InitialCatchupKey = 1000000
)

// EmergencySpace is the extra room past the size limit that only
// AddEmergencyMessage may use, reserved for records like joins and leaves
// that must never be dropped silently.
const EmergencySpace = 1024 * 1024

// Flag is a persistent session property stored with the history.
type Flag uint16

const (
	Persistent Flag = 1 << iota
	PreserveChat
	Nsfm
	Deputies
	AuthOnly
	IdleOverride
	AllowWeb
)

// Flags is a set of session flags.
type Flags uint16

func (f Flags) Has(flag Flag) bool { return uint16(f)&uint16(flag) != 0 }

func (f Flags) With(flag Flag, on bool) Flags {
	if on {
		return Flags(uint16(f) | uint16(flag))
	}
	return Flags(uint16(f) &^ uint16(flag))
}

// History is the contract both backends satisfy. Shared bookkeeping lives in
// Log; backends supply persistence and metadata storage.
type History interface {
	ID() string
	Alias() string
	Founder() string
	SetFounder(founder string)
	ProtocolVersion() protocol.ProtocolVersion
	PasswordHash() string
	SetPasswordHash(hash string)
	OpwordHash() string
	SetOpwordHash(hash string)
	MaxUsers() int
	SetMaxUsers(count int)
	Title() string
	SetTitle(title string)
	Flags() Flags
	SetFlags(f Flags)
	AutoResetThreshold() uint64
	SetAutoResetThreshold(limit uint64)

	StartTime() time.Time
	SizeLimit() uint64
	SetSizeLimit(limit uint64)
	SizeInBytes() uint64
	FirstIndex() int64
	LastIndex() int64
	MessageCount() int

	AddMessage(msg protocol.Message) bool
	AddEmergencyMessage(msg protocol.Message) bool
	Reset(newHistory []protocol.Message) bool
	GetBatch(after int64) ([]protocol.Message, int64)
	CleanupBatches(before int64)
	Terminate() error
	Close() error

	NextCatchupKey() int
	EffectiveAutoResetThreshold() uint64
	AutoResetThresholdBase() uint64

	JoinUser(id uint8, name string)
	IDQueue() *IDQueue

	Bans() []Ban
	AddBan(username, ip, extAuthID, sid, bannedBy string) (Ban, bool)
	RemoveBan(id int) (string, bool)
	IsBanned(ip, extAuthID, sid string) bool

	AddAnnouncement(url string)
	RemoveAnnouncement(url string)
	Announcements() []string

	SetAuthenticatedOperator(authID string, op bool)
	SetAuthenticatedTrust(authID string, trusted bool)
	SetAuthenticatedUsername(authID, username string)
	IsOperator(authID string) bool
	IsTrusted(authID string) bool
	AuthenticatedUsername(authID string) (string, bool)
	HasAuthenticatedOperators() bool
	AuthenticatedOperators() []string
	AuthenticatedTrusted() []string

	NewMessages() <-chan struct{}
}

// Recorder is the persistence hook a backend gives its Log. The Log performs
// all bookkeeping and calls the Recorder once a change is accepted.
type Recorder interface {
	RecordMessage(msg protocol.Message)
	RecordReset(newHistory []protocol.Message)
	RecordBanAdd(b Ban)
	RecordBanRemove(id int)
	RecordAuthOperator(authID string, op bool)
	RecordAuthTrust(authID string, trusted bool)
	RecordAuthUsername(authID, username string)
	RecordJoinUser(id uint8, name string)
}

// Log holds the bookkeeping shared by every History backend: sizes, the
// monotonic index space, the ban list, the ID queue and the
// authenticated-privilege maps.
type Log struct {
	id        string
	startTime time.Time

	sizeInBytes       uint64
	sizeLimit         uint64
	autoResetBaseSize uint64

	firstIndex int64
	lastIndex  int64

	banlist BanList
	idqueue IDQueue

	authOps       map[string]struct{}
	authTrusted   map[string]struct{}
	authUsernames map[string]string

	notify chan struct{}
	rec    Recorder
}

// NewLog initializes the shared bookkeeping for a history with the given
// session id. The backend must attach itself with SetRecorder before any
// mutation.
func NewLog(id string) Log {
	return Log{
		id:            id,
		startTime:     time.Now().UTC(),
		lastIndex:     -1,
		idqueue:       NewIDQueue(),
		authOps:       make(map[string]struct{}),
		authTrusted:   make(map[string]struct{}),
		authUsernames: make(map[string]string),
		notify:        make(chan struct{}, 1),
	}
}

func (l *Log) ID() string           { return l.id }
func (l *Log) StartTime() time.Time { return l.startTime }
func (l *Log) SizeInBytes() uint64  { return l.sizeInBytes }
func (l *Log) SizeLimit() uint64    { return l.sizeLimit }

// SetSizeLimit sets the hard size limit in bytes. Zero means unlimited.
func (l *Log) SetSizeLimit(limit uint64) { l.sizeLimit = limit }

func (l *Log) FirstIndex() int64 { return l.firstIndex }
func (l *Log) LastIndex() int64  { return l.lastIndex }

// MessageCount is the number of messages currently retained.
func (l *Log) MessageCount() int { return int(l.lastIndex - l.firstIndex + 1) }

// SetRecorder attaches the backend's persistence hooks. Must be called before
// any mutation.
func (l *Log) SetRecorder(rec Recorder) { l.rec = rec }

func (l *Log) hasSpaceFor(bytes, extra uint64) bool {
	return l.sizeLimit == 0 || l.sizeInBytes+bytes <= l.sizeLimit+extra
}

// HasRegularSpaceFor reports whether an AddMessage of the given size would
// succeed.
func (l *Log) HasRegularSpaceFor(bytes uint64) bool { return l.hasSpaceFor(bytes, 0) }

// HasEmergencySpaceFor is HasRegularSpaceFor with the emergency overflow
// included.
func (l *Log) HasEmergencySpaceFor(bytes uint64) bool { return l.hasSpaceFor(bytes, EmergencySpace) }

// AddMessage appends a message if there is regular space for it. On failure
// nothing changes; the caller decides whether to request an autoreset.
func (l *Log) AddMessage(msg protocol.Message) bool {
	size := uint64(msg.Size())
	if !l.hasSpaceFor(size, 0) {
		return false
	}
	l.addMessage(msg, size)
	return true
}

// AddEmergencyMessage is AddMessage with up to EmergencySpace of overflow,
// for structurally critical records.
func (l *Log) AddEmergencyMessage(msg protocol.Message) bool {
	size := uint64(msg.Size())
	if !l.hasSpaceFor(size, EmergencySpace) {
		return false
	}
	l.addMessage(msg, size)
	return true
}

func (l *Log) addMessage(msg protocol.Message, size uint64) {
	l.rec.RecordMessage(msg)
	l.sizeInBytes += size
	l.lastIndex++
	l.signalNewMessages()
}

// Reset atomically replaces the log content. The index space is not rewound:
// the replacement messages take fresh indices after the old tail, so clients
// mid-catchup stay consistent across the boundary. Fails without mutation if
// the new history alone exceeds the size limit.
func (l *Log) Reset(newHistory []protocol.Message) bool {
	newSize := protocol.TotalSize(newHistory)
	if l.sizeLimit > 0 && newSize > l.sizeLimit {
		return false
	}
	l.sizeInBytes = newSize
	l.autoResetBaseSize = newSize
	l.firstIndex = l.lastIndex + 1
	l.lastIndex += int64(len(newHistory))
	l.rec.RecordReset(newHistory)
	l.signalNewMessages()
	return true
}

// InitLoaded primes the bookkeeping from persisted state. Used by backends
// that reconstruct a history from disk.
func (l *Log) InitLoaded(sizeInBytes uint64, messageCount int, startTime time.Time) {
	l.sizeInBytes = sizeInBytes
	l.firstIndex = 0
	l.lastIndex = int64(messageCount) - 1
	if !startTime.IsZero() {
		l.startTime = startTime
	}
}

// SetAutoResetBaseSize restores the reset-image base size on load.
func (l *Log) SetAutoResetBaseSize(size uint64) { l.autoResetBaseSize = size }

// AutoResetThresholdBase is the serialized size of the last reset image.
func (l *Log) AutoResetThresholdBase() uint64 { return l.autoResetBaseSize }

// NewMessages is a coalescing signal: it becomes readable when messages have
// been appended since the last receive. The fan-out layer drains it and pulls
// fresh batches per connected client.
func (l *Log) NewMessages() <-chan struct{} { return l.notify }

func (l *Log) signalNewMessages() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// IncrementCatchupKey returns the current key and advances next, wrapping to
// InitialCatchupKey past the maximum.
func IncrementCatchupKey(next *int) int {
	key := *next
	if key < MinCatchupKey || key > MaxCatchupKey {
		key = MinCatchupKey
	}
	if key >= MaxCatchupKey {
		*next = InitialCatchupKey
	} else {
		*next = key + 1
	}
	return key
}

// JoinUser remembers a user id/name pairing for id reassignment.
func (l *Log) JoinUser(id uint8, name string) {
	l.idqueue.SetIDForName(id, name)
	l.rec.RecordJoinUser(id, name)
}

// IDQueue exposes the session's user id allocation queue.
func (l *Log) IDQueue() *IDQueue { return &l.idqueue }

// Bans returns the current ban list entries.
func (l *Log) Bans() []Ban { return l.banlist.Entries() }

// AddBan adds a ban entry and persists it with the log. Returns false if an
// equivalent entry already exists.
func (l *Log) AddBan(username, ip, extAuthID, sid, bannedBy string) (Ban, bool) {
	b, ok := l.banlist.Add(username, ip, extAuthID, sid, bannedBy)
	if ok {
		l.rec.RecordBanAdd(b)
	}
	return b, ok
}

// RemoveBan removes a ban entry by id, returning the banned username.
func (l *Log) RemoveBan(id int) (string, bool) {
	username, ok := l.banlist.Remove(id)
	if ok {
		l.rec.RecordBanRemove(id)
	}
	return username, ok
}

// RestoreBan reinstates a persisted ban entry without writing it back.
func (l *Log) RestoreBan(b Ban) { l.banlist.Restore(b) }

// IsBanned reports whether any ban entry matches the given identity.
func (l *Log) IsBanned(ip, extAuthID, sid string) bool {
	return l.banlist.Matches(ip, extAuthID, sid)
}

// SetAuthenticatedOperator remembers operator status for an authenticated
// account, keyed by external auth id because local user ids are reassigned
// per connection. Restored automatically when the account rejoins.
func (l *Log) SetAuthenticatedOperator(authID string, op bool) {
	if authID == "" {
		return
	}
	if op {
		l.authOps[authID] = struct{}{}
	} else {
		delete(l.authOps, authID)
	}
	l.rec.RecordAuthOperator(authID, op)
}

// SetAuthenticatedTrust remembers trusted status for an authenticated
// account.
func (l *Log) SetAuthenticatedTrust(authID string, trusted bool) {
	if authID == "" {
		return
	}
	if trusted {
		l.authTrusted[authID] = struct{}{}
	} else {
		delete(l.authTrusted, authID)
	}
	l.rec.RecordAuthTrust(authID, trusted)
}

// SetAuthenticatedUsername remembers the name an authenticated account last
// used in this session.
func (l *Log) SetAuthenticatedUsername(authID, username string) {
	if authID == "" {
		return
	}
	l.authUsernames[authID] = username
	l.rec.RecordAuthUsername(authID, username)
}

func (l *Log) IsOperator(authID string) bool {
	_, ok := l.authOps[authID]
	return ok
}

func (l *Log) IsTrusted(authID string) bool {
	_, ok := l.authTrusted[authID]
	return ok
}

func (l *Log) AuthenticatedUsername(authID string) (string, bool) {
	name, ok := l.authUsernames[authID]
	return name, ok
}

func (l *Log) HasAuthenticatedOperators() bool { return len(l.authOps) > 0 }

func (l *Log) AuthenticatedOperators() []string {
	out := make([]string, 0, len(l.authOps))
	for id := range l.authOps {
		out = append(out, id)
	}
	return out
}

func (l *Log) AuthenticatedTrusted() []string {
	out := make([]string, 0, len(l.authTrusted))
	for id := range l.authTrusted {
		out = append(out, id)
	}
	return out
}

// RestoreAuth reinstates persisted privilege state without writing it back.
func (l *Log) RestoreAuth(ops, trusted []string, usernames map[string]string) {
	for _, id := range ops {
		l.authOps[id] = struct{}{}
	}
	for _, id := range trusted {
		l.authTrusted[id] = struct{}{}
	}
	for id, name := range usernames {
		l.authUsernames[id] = name
	}
}
