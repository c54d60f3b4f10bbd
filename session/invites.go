package session

import (
	"sync"
	"time"

	"github.com/jmcleod/drawboard/internal/util"
)

const inviteSecretBytes = 12

// InviteStatus is the outcome of presenting an invite secret at join time.
type InviteStatus int

const (
	InviteNotFound InviteStatus = iota
	InviteOk
	InviteLimitReached
)

func (s InviteStatus) String() string {
	switch s {
	case InviteOk:
		return "ok"
	case InviteLimitReached:
		return "limitReached"
	default:
		return "notFound"
	}
}

// Invite grants entry to a session via a shared secret. MaxUses of zero
// means unlimited.
type Invite struct {
	Secret    string    `json:"secret"`
	CreatedBy string    `json:"createdBy"`
	MaxUses   int       `json:"maxUses"`
	Uses      int       `json:"uses"`
	CreatedAt time.Time `json:"createdAt"`
}

// InviteList is the in-memory invite table of one session. Invites do not
// survive a server restart.
type InviteList struct {
	mu      sync.Mutex
	invites map[string]*Invite
}

func NewInviteList() *InviteList {
	return &InviteList{invites: make(map[string]*Invite)}
}

// Create mints a new invite secret.
func (l *InviteList) Create(createdBy string, maxUses int) (Invite, error) {
	secret, err := util.RandomToken(inviteSecretBytes)
	if err != nil {
		return Invite{}, err
	}
	inv := &Invite{
		Secret:    secret,
		CreatedBy: createdBy,
		MaxUses:   maxUses,
		CreatedAt: time.Now(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invites[secret] = inv
	return *inv, nil
}

// Check reports the status a join presenting this secret would get, without
// consuming a use.
func (l *InviteList) Check(secret string) InviteStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invites[secret]
	if !ok {
		return InviteNotFound
	}
	if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
		return InviteLimitReached
	}
	return InviteOk
}

// Use consumes one use of the invite if it exists and has uses left.
func (l *InviteList) Use(secret string) InviteStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invites[secret]
	if !ok {
		return InviteNotFound
	}
	if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
		return InviteLimitReached
	}
	inv.Uses++
	return InviteOk
}

// Remove deletes an invite.
func (l *InviteList) Remove(secret string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.invites[secret]; !ok {
		return false
	}
	delete(l.invites, secret)
	return true
}

// List returns a snapshot of all invites.
func (l *InviteList) List() []Invite {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Invite, 0, len(l.invites))
	for _, inv := range l.invites {
		out = append(out, *inv)
	}
	return out
}
