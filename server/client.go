package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/drawboard/config"
	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/login"
	"github.com/jmcleod/drawboard/protocol"
	"github.com/jmcleod/drawboard/session"
)

const clientSendBuffer = 256

// Client is one connected user, from handshake to disconnect. Before login
// completes, writes are synchronous so the handshake stays ordered (and the
// TLS upgrade can splice in); afterwards a write loop drains the send queue.
type Client struct {
	srv    *MultiServer
	t      transport
	logger *slog.Logger

	login *login.Handler

	out       chan protocol.Message
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	attached  atomic.Bool

	mu     sync.Mutex
	sess   *session.Session
	member session.Member
	pos    int64

	autoresetTold bool
}

var _ login.Client = (*Client)(nil)

func newClient(srv *MultiServer, t transport) *Client {
	return &Client{
		srv:    srv,
		t:      t,
		logger: srv.logger.With("ip", t.RemoteIP()),
		out:    make(chan protocol.Message, clientSendBuffer),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
		pos:    -1,
	}
}

// Send queues a message for the client. Pre-login it writes through
// directly; the login handshake is strictly request/reply.
func (c *Client) Send(msg protocol.Message) {
	if !c.attached.Load() {
		if err := c.t.WriteMessage(msg); err != nil {
			c.disconnect()
		}
		return
	}
	select {
	case c.out <- msg:
	case <-c.closed:
	}
}

// UpgradeTLS runs the server-side TLS handshake in place. Only plain TCP
// connections can upgrade; WebSocket TLS terminates at the HTTP layer.
func (c *Client) UpgradeTLS() error {
	tcp, ok := c.t.(*tcpTransport)
	if !ok {
		return errTLSUnsupported
	}
	return tcp.upgradeTLS(c.srv.tlsConfig)
}

// Disconnect ends the connection. Pending queued writes are flushed first.
func (c *Client) Disconnect() { c.disconnect() }

func (c *Client) IP() string { return c.t.RemoteIP() }

func (c *Client) disconnect() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// run owns the connection: it drives the read loop and tears everything
// down when it ends.
func (c *Client) run() {
	c.login = login.New(login.Options{
		Client:       c,
		Config:       c.srv.cfg,
		Sessions:     c.srv.sessions,
		Accounts:     c.srv.accounts(),
		UserBans:     c.srv.userBans(),
		ExtAuth:      c.srv.extAuth,
		Logger:       c.logger,
		Events:       c.srv.events,
		TLSAvailable: c.srv.tlsConfig != nil,
		TLSRequired:  c.srv.tlsConfig != nil && c.srv.tlsRequired,
		BanCheck:     c.srv.checkBans,
		OnLoginDone:  c.attach,
	})

	c.readLoop()

	c.disconnect()
	c.mu.Lock()
	sess, member := c.sess, c.member
	c.mu.Unlock()
	if sess != nil {
		sess.Leave(member.ID)
		c.srv.detachClient(sess, c)
	} else {
		// Nothing started the write loop; close the transport ourselves.
		c.t.Close()
	}
	c.srv.removeClient(c)
}

func (c *Client) readLoop() {
	for {
		if timeout := c.srv.cfg.GetDuration(config.ClientTimeout); timeout > 0 {
			c.t.SetReadDeadline(time.Now().Add(timeout))
		}
		msg, err := c.t.ReadMessage()
		if err != nil {
			c.logger.Debug("connection closed", "error", err)
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgPing:
		c.Send(protocol.Message{Type: protocol.MsgPing, Payload: []byte{1}})
		return
	case protocol.MsgDisconnect:
		c.disconnect()
		return
	}

	c.mu.Lock()
	sess := c.sess
	member := c.member
	c.mu.Unlock()

	if sess == nil {
		c.login.Handle(msg)
		return
	}

	// In-session traffic speaks with the member's id, whatever the client
	// claims.
	msg.ContextID = member.ID

	if msg.Type == protocol.MsgChat && !sess.Flags().Has(history.PreserveChat) {
		c.srv.broadcast(sess, msg)
		return
	}

	if !sess.AddMessage(msg) {
		c.Send(protocol.ReplyMessage(protocol.ServerReply{
			Type:    "error",
			Message: "session is out of space",
			Fields:  map[string]any{"code": "outOfSpace"},
		}))
	}
	if sess.AutoResetRequested() && !c.autoresetTold {
		c.autoresetTold = true
		c.Send(protocol.ReplyMessage(protocol.ServerReply{
			Type:   "status",
			Fields: map[string]any{"autoreset": true},
		}))
	}
}

// attach is called by the login handler once the user is in a session.
func (c *Client) attach(s *session.Session, m session.Member) {
	c.mu.Lock()
	c.sess = s
	c.member = m
	c.pos = -1
	c.mu.Unlock()

	c.attached.Store(true)
	go c.writeLoop()
	go c.fanOut()
	c.srv.attachClient(s, c)

	if welcome := c.srv.cfg.GetString(config.WelcomeMessage); welcome != "" {
		c.Send(protocol.NewMessage(protocol.MsgChat, 0, []byte(welcome)))
	}
}

// wake nudges the fan-out loop; the signal coalesces.
func (c *Client) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) fanOut() {
	c.pump()
	for {
		select {
		case <-c.closed:
			return
		case <-c.notify:
			c.pump()
		}
	}
}

// pump pushes history the client has not seen yet into its send queue.
func (c *Client) pump() {
	for {
		c.mu.Lock()
		sess, pos := c.sess, c.pos
		c.mu.Unlock()

		batch, last := sess.GetBatch(pos)
		if len(batch) == 0 {
			return
		}
		for _, msg := range batch {
			select {
			case c.out <- msg:
			case <-c.closed:
				return
			}
		}
		c.mu.Lock()
		c.pos = last
		c.mu.Unlock()
		c.srv.noteProgress(sess)
	}
}

// position is how far into the session history this client has been served.
func (c *Client) position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (c *Client) writeLoop() {
	defer c.t.Close()
	for {
		select {
		case msg := <-c.out:
			if err := c.t.WriteMessage(msg); err != nil {
				c.disconnect()
				return
			}
		case <-c.closed:
			// Flush what is already queued so a final error reply gets out.
			for {
				select {
				case msg := <-c.out:
					if err := c.t.WriteMessage(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// SessionID returns the id of the joined session, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.ID()
}

func (c *Client) describe() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := map[string]any{"ip": c.t.RemoteIP()}
	if c.sess != nil {
		info["session"] = c.sess.ID()
		info["id"] = c.member.ID
		info["name"] = c.member.Name
	}
	return info
}
