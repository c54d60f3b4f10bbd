// Package login implements the connection handshake: the greeting, optional
// TLS upgrade, session lookup, user identification and finally hosting or
// joining a session.
package login

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/jmcleod/drawboard/config"
	"github.com/jmcleod/drawboard/db"
	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/internal/util"
	"github.com/jmcleod/drawboard/protocol"
	"github.com/jmcleod/drawboard/serverlog"
	"github.com/jmcleod/drawboard/session"
)

// MaxPasswordAttempts is how many wrong passwords a connection may send
// before it is dropped.
const MaxPasswordAttempts = 10

const maxNameLength = 22

// State is the login handler's position in the handshake.
type State int

const (
	// StateIgnore drops everything: the handshake ended, successfully or not.
	StateIgnore State = iota
	StateWaitForSecure
	StateWaitForLookup
	StateWaitForIdent
	StateWaitForLogin
)

// Client is the connection the handler talks through.
type Client interface {
	Send(msg protocol.Message)
	UpgradeTLS() error
	Disconnect()
	IP() string
}

// AccountStore is the slice of the server database the login handshake
// needs. *db.Database satisfies it.
type AccountStore interface {
	Authenticate(username, password string) (db.Account, error)
	GetAccount(username string) (db.Account, error)
}

// UserBanStore checks external-auth account bans. *db.Database satisfies it.
type UserBanStore interface {
	UserBanFor(userID int64) (db.UserBan, bool)
}

// Options wires a Handler to the rest of the server. Accounts, UserBans and
// ExtAuth may be nil when the corresponding feature is off.
type Options struct {
	Client   Client
	Config   *config.Config
	Sessions *session.Manager
	Accounts AccountStore
	UserBans UserBanStore
	ExtAuth  *ExtAuthValidator
	Logger   *slog.Logger
	Events   *serverlog.Logger

	TLSAvailable bool
	TLSRequired  bool

	// Sid is the client-reported system identifier, used for ban matching.
	// A sid sent with the ident command takes precedence.
	Sid string

	// BanCheck, when set, is consulted once the client's identity details
	// are known. A hit ends the handshake.
	BanCheck func(ip, sid string) (reason string, banned bool)

	// OnLoginDone hands the authenticated user over to the session layer.
	OnLoginDone func(s *session.Session, m session.Member)
}

// Handler runs the login state machine for one connection. Not safe for
// concurrent use; the connection's read loop owns it.
type Handler struct {
	opts  Options
	state State

	attempts int

	name      string
	authID    string
	guest     bool
	mod       bool
	hostPriv  bool
	banExempt bool
}

// New creates a Handler and sends the greeting.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = serverlog.New(opts.Logger, nil)
	}
	h := &Handler{opts: opts, state: StateWaitForLookup}
	if opts.TLSRequired {
		h.state = StateWaitForSecure
	}
	h.send(protocol.ServerReply{
		Type:    "login",
		Message: "DRAWBOARD",
		Fields: map[string]any{
			"flags": h.features(),
		},
	})
	return h
}

// State exposes the handshake position, mostly for tests and diagnostics.
func (h *Handler) State() State { return h.state }

func (h *Handler) features() []string {
	flags := []string{"MULTI"}
	if h.opts.TLSAvailable {
		flags = append(flags, "TLS")
	}
	if h.opts.TLSRequired {
		flags = append(flags, "SECURE")
	}
	if h.opts.Config.GetBool(config.EnablePersistence) {
		flags = append(flags, "PERSIST")
	}
	if h.opts.Accounts != nil || h.opts.ExtAuth != nil {
		flags = append(flags, "IDENT")
	}
	if !h.opts.Config.GetBool(config.AllowGuests) {
		flags = append(flags, "NOGUEST")
	}
	return flags
}

// Handle processes one message from the client.
func (h *Handler) Handle(msg protocol.Message) {
	if h.state == StateIgnore {
		return
	}
	cmd, err := protocol.ParseServerCommand(msg)
	if err != nil {
		h.fail("syntax", "expected a login command")
		return
	}
	switch h.state {
	case StateWaitForSecure:
		h.expectStartTLS(cmd)
	case StateWaitForLookup:
		h.expectLookup(cmd)
	case StateWaitForIdent:
		h.expectIdent(cmd)
	case StateWaitForLogin:
		h.expectLogin(cmd)
	}
}

func (h *Handler) send(reply protocol.ServerReply) {
	h.opts.Client.Send(protocol.ReplyMessage(reply))
}

func (h *Handler) sendError(code, message string) {
	h.send(protocol.ServerReply{
		Type:    "error",
		Message: message,
		Fields:  map[string]any{"code": code},
	})
}

// fail ends the handshake: the error is sent, then the connection is
// dropped. The client implementation flushes pending writes before closing.
func (h *Handler) fail(code, message string) {
	h.sendError(code, message)
	h.state = StateIgnore
	h.opts.Client.Disconnect()
}

func (h *Handler) expectStartTLS(cmd protocol.ServerCommand) {
	if cmd.Cmd != "startTls" {
		h.fail("tlsRequired", "this server requires a secure connection")
		return
	}
	h.send(protocol.ServerReply{
		Type:   "result",
		Fields: map[string]any{"startTls": true},
	})
	if err := h.opts.Client.UpgradeTLS(); err != nil {
		h.opts.Logger.Warn("TLS upgrade failed", "ip", h.opts.Client.IP(), "error", err)
		h.state = StateIgnore
		h.opts.Client.Disconnect()
		return
	}
	h.state = StateWaitForLookup
}

func (h *Handler) expectLookup(cmd protocol.ServerCommand) {
	switch cmd.Cmd {
	case "lookup":
		fields := map[string]any{}
		if target := cmd.ArgString(0); target != "" {
			s := h.opts.Sessions.GetSessionByID(target)
			if s == nil {
				h.fail("notFound", "no such session")
				return
			}
			fields["sessions"] = []session.Description{s.Describe()}
		} else if !h.opts.Config.GetBool(config.PrivateUserList) {
			fields["sessions"] = h.opts.Sessions.Descriptions()
		}
		fields["title"] = h.opts.Config.GetString(config.ServerTitle)
		h.send(protocol.ServerReply{Type: "result", Message: "lookup", Fields: fields})
		h.state = StateWaitForIdent
	case "ident":
		if h.opts.Config.GetBool(config.MandatoryLookup) {
			h.fail("lookupRequired", "this server requires a session lookup before login")
			return
		}
		h.state = StateWaitForIdent
		h.expectIdent(cmd)
	default:
		h.fail("syntax", "expected lookup or ident")
	}
}

func (h *Handler) expectIdent(cmd protocol.ServerCommand) {
	if cmd.Cmd != "ident" {
		h.fail("syntax", "expected ident")
		return
	}
	name := util.NormalizeName(cmd.ArgString(0))
	if name == "" || len(name) > maxNameLength {
		h.fail("invalidName", "invalid username")
		return
	}
	password := cmd.ArgString(1)
	token := cmd.KwargString("extauth")
	if sid := cmd.KwargString("sid"); sid != "" {
		h.opts.Sid = sid
	}
	if h.opts.BanCheck != nil {
		if reason, banned := h.opts.BanCheck(h.opts.Client.IP(), h.opts.Sid); banned {
			h.fail("banned", reason)
			return
		}
	}

	switch {
	case token != "" && h.opts.ExtAuth != nil:
		h.identExtAuth(token)
	case password != "" && h.opts.Accounts != nil:
		h.identAccount(name, password)
	default:
		h.identGuest(name)
	}
}

func (h *Handler) identExtAuth(token string) {
	payload, err := h.opts.ExtAuth.Validate(token)
	if err != nil {
		h.opts.Events.Event(serverlog.TopicBadData).User(h.opts.Client.IP()).Warn("rejected auth token")
		h.fail("extAuthError", "could not validate auth token")
		return
	}
	if h.opts.UserBans != nil {
		if ban, banned := h.opts.UserBans.UserBanFor(payload.UserID); banned {
			h.fail("banned", ban.Reason)
			return
		}
	}
	h.name = util.NormalizeName(payload.Username)
	h.authID = payload.AuthID()
	h.mod = payload.HasFlag(db.FlagMod) && h.opts.Config.GetBool(config.ExtAuthMod)
	h.hostPriv = payload.HasFlag(db.FlagHost) && h.opts.Config.GetBool(config.ExtAuthHost)
	h.banExempt = payload.HasFlag(db.FlagBanExempt) || h.mod
	h.identified(payload.Flags)
}

func (h *Handler) identAccount(name, password string) {
	acct, err := h.opts.Accounts.Authenticate(name, password)
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, db.ErrBadPassword):
		h.badPassword()
		return
	case errors.Is(err, db.ErrAccountLocked):
		h.fail("banned", "account is locked")
		return
	case err != nil:
		h.opts.Logger.Error("account lookup failed", "error", err)
		h.fail("internalError", "could not check account")
		return
	}
	h.name = acct.Username
	h.authID = "int:" + strings.ToLower(acct.Username)
	h.mod = acct.HasFlag(db.FlagMod)
	h.hostPriv = acct.HasFlag(db.FlagHost)
	h.banExempt = acct.HasFlag(db.FlagBanExempt) || h.mod
	h.identified(acct.Flags)
}

func (h *Handler) identGuest(name string) {
	if !h.opts.Config.GetBool(config.AllowGuests) {
		h.fail("noGuest", "guest logins are not allowed on this server")
		return
	}
	if h.opts.Accounts != nil {
		if _, err := h.opts.Accounts.GetAccount(name); err == nil {
			// Reserved name: the client can retry with the password.
			h.sendError("passwordNeeded", "that name belongs to a registered account")
			return
		}
	}
	h.name = name
	h.guest = true
	h.identified(nil)
}

func (h *Handler) identified(flags []string) {
	h.send(protocol.ServerReply{
		Type:    "result",
		Message: "identified",
		Fields: map[string]any{
			"ident": h.name,
			"guest": h.guest,
			"flags": flags,
		},
	})
	h.state = StateWaitForLogin
}

// badPassword counts a failed attempt and drops the connection once the
// limit is reached.
func (h *Handler) badPassword() {
	h.attempts++
	if h.attempts >= MaxPasswordAttempts {
		h.fail("badPassword", "too many failed attempts")
		return
	}
	h.sendError("badPassword", "incorrect password")
}

func (h *Handler) expectLogin(cmd protocol.ServerCommand) {
	switch cmd.Cmd {
	case "host":
		h.host(cmd)
	case "join":
		h.join(cmd)
	default:
		h.fail("syntax", "expected host or join")
	}
}

func (h *Handler) host(cmd protocol.ServerCommand) {
	if h.guest && !h.opts.Config.GetBool(config.AllowGuestHosts) && !h.hostPriv {
		h.fail("unauthorizedHost", "guests may not host on this server")
		return
	}
	version, err := protocol.ParseProtocolVersion(cmd.KwargString("protocol"))
	if err != nil {
		h.fail("badProtocol", "unparseable protocol version")
		return
	}

	s, err := h.opts.Sessions.CreateSession("", cmd.KwargString("alias"), version, h.name)
	switch {
	case errors.Is(err, session.ErrIDInUse):
		h.fail("idInuse", "session alias already in use")
		return
	case errors.Is(err, session.ErrBadProtocol):
		h.fail("badProtocol", "unsupported protocol version")
		return
	case errors.Is(err, session.ErrClosed):
		h.fail("closed", "this server is not accepting new sessions")
		return
	case err != nil:
		h.opts.Logger.Error("creating session", "error", err)
		h.fail("internalError", "could not create session")
		return
	}

	if password := cmd.KwargString("password"); password != "" {
		if err := s.SetPassword(password); err != nil {
			h.opts.Logger.Error("setting session password", "error", err)
		}
	}
	if cmd.KwargBool("persistent") && h.opts.Config.GetBool(config.EnablePersistence) {
		s.SetFlags(s.Flags().With(history.Persistent, true))
	}

	member, err := s.Join(session.JoinRequest{
		Name:      h.name,
		AuthID:    h.authID,
		Sid:       h.opts.Sid,
		IP:        h.opts.Client.IP(),
		Mod:       h.mod,
		BanExempt: h.banExempt,
	})
	if err != nil {
		h.opts.Logger.Error("founder could not join own session", "error", err)
		h.fail("internalError", "could not join session")
		return
	}
	s.SetOperator(member.ID, true)

	h.finish(s, member, "host", map[string]any{
		"id":   s.ID(),
		"user": member.ID,
	})
}

func (h *Handler) join(cmd protocol.ServerCommand) {
	target := cmd.ArgString(0)
	secret := cmd.KwargString("invite")

	s, invite, err := h.opts.Sessions.CheckSessionJoin(target, secret)
	if errors.Is(err, session.ErrNotFound) {
		h.fail("notFound", "no such session")
		return
	}
	if secret != "" && invite != session.InviteOk {
		h.fail("badInvite", "invite "+invite.String())
		return
	}

	if verStr := cmd.KwargString("protocol"); verStr != "" {
		version, err := protocol.ParseProtocolVersion(verStr)
		if err != nil {
			h.fail("badProtocol", "unparseable protocol version")
			return
		}
		if !version.IsCompatibleWith(s.ProtocolVersion()) {
			h.fail("badProtocol", "session uses an incompatible protocol")
			return
		}
	}

	// A valid invite or moderator status bypasses the session password.
	if invite != session.InviteOk && !h.mod {
		if !s.CheckPassword(cmd.KwargString("password")) {
			h.badPassword()
			return
		}
	}

	member, err := s.Join(session.JoinRequest{
		Name:      h.name,
		AuthID:    h.authID,
		Sid:       h.opts.Sid,
		IP:        h.opts.Client.IP(),
		Mod:       h.mod,
		BanExempt: h.banExempt,
	})
	switch {
	case errors.Is(err, session.ErrBanned):
		h.fail("banned", "you are banned from this session")
		return
	case errors.Is(err, session.ErrNameInUse):
		h.fail("nameInUse", "that name is already taken in this session")
		return
	case errors.Is(err, session.ErrAuthOnly):
		h.fail("authOnly", "this session requires a registered account")
		return
	case errors.Is(err, session.ErrSessionFull), errors.Is(err, session.ErrClosed):
		h.fail("closed", "this session is not accepting new users")
		return
	case err != nil:
		h.opts.Logger.Error("joining session", "error", err)
		h.fail("internalError", "could not join session")
		return
	}

	h.finish(s, member, "join", map[string]any{
		"id":      s.ID(),
		"user":    member.ID,
		"catchup": s.CatchupKey(),
	})
}

func (h *Handler) finish(s *session.Session, member session.Member, what string, fields map[string]any) {
	h.send(protocol.ServerReply{Type: "result", Message: what, Fields: fields})
	h.state = StateIgnore
	h.opts.Events.Event(serverlog.TopicJoin).Session(s.ID()).User(h.name).Info("user logged in")
	if h.opts.OnLoginDone != nil {
		h.opts.OnLoginDone(s, member)
	}
}
