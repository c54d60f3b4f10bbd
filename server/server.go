// Package server runs the network frontends: the TCP and WebSocket
// listeners, per-connection clients, the message fan-out and the admin API.
package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jmcleod/drawboard/config"
	"github.com/jmcleod/drawboard/db"
	"github.com/jmcleod/drawboard/login"
	"github.com/jmcleod/drawboard/protocol"
	"github.com/jmcleod/drawboard/serverlog"
	"github.com/jmcleod/drawboard/session"
	"github.com/jmcleod/drawboard/web"
)

// MultiServer hosts any number of sessions behind a TCP listener and an
// optional HTTP frontend carrying the WebSocket endpoint and the admin API.
type MultiServer struct {
	cfg      *config.Config
	logger   *slog.Logger
	events   *serverlog.Logger
	sessions *session.Manager
	database *db.Database
	extAuth  *login.ExtAuthValidator
	extBans  *ExtBanList

	tlsConfig   *tls.Config
	tlsRequired bool
	autostop    bool
	sessionDir  string
	adminCreds  *adminCredentials

	started time.Time
	stopped chan struct{}

	mu           sync.Mutex
	clients      map[*Client]struct{}
	pumps        map[string]*sessionPump
	tcpListener  net.Listener
	webListener  net.Listener
	httpSrv      *http.Server
	hadUsers     bool
	bgOnce       sync.Once
	bgCancel     context.CancelFunc
	stopOnce     sync.Once
}

// sessionPump wakes a session's clients whenever its history grows. One
// goroutine per session with connected users.
type sessionPump struct {
	clients map[*Client]struct{}
	stop    chan struct{}
}

// Option configures a MultiServer.
type Option func(*MultiServer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *MultiServer) { s.logger = logger }
}

// WithDatabase attaches the server database: accounts, bans, the whitelist
// and the persistent log.
func WithDatabase(database *db.Database) Option {
	return func(s *MultiServer) { s.database = database }
}

// WithSessionDir enables file-backed session persistence.
func WithSessionDir(dir string) Option {
	return func(s *MultiServer) { s.sessionDir = dir }
}

// WithTLS offers (and with required, demands) TLS on the TCP listener.
func WithTLS(cfg *tls.Config, required bool) Option {
	return func(s *MultiServer) {
		s.tlsConfig = cfg
		s.tlsRequired = required
	}
}

// WithExtAuth enables external token authentication.
func WithExtAuth(v *login.ExtAuthValidator) Option {
	return func(s *MultiServer) { s.extAuth = v }
}

// WithAutostop shuts the server down once the last user disconnects. Meant
// for socket-activated setups.
func WithAutostop() Option {
	return func(s *MultiServer) { s.autostop = true }
}

func New(cfg *config.Config, opts ...Option) *MultiServer {
	s := &MultiServer{
		cfg:     cfg,
		logger:  slog.Default(),
		started: time.Now(),
		stopped: make(chan struct{}),
		clients: make(map[*Client]struct{}),
		pumps:   make(map[string]*sessionPump),
	}
	for _, opt := range opts {
		opt(s)
	}
	var sink serverlog.Sink
	if s.database != nil {
		sink = s.database
	}
	s.events = serverlog.New(s.logger, sink)

	managerOpts := []session.Option{
		session.WithUserCountCallback(s.userCountChanged),
	}
	if s.sessionDir != "" {
		managerOpts = append(managerOpts, session.WithSessionDir(s.sessionDir))
	}
	s.sessions = session.NewManager(cfg, s.logger, s.events, managerOpts...)

	if url := cfg.GetString(config.ExtBansURL); url != "" {
		s.extBans = NewExtBanList(url, cfg.GetDuration(config.ExtBansCheckInterval), s.logger)
	}
	return s
}

// Sessions exposes the session registry.
func (s *MultiServer) Sessions() *session.Manager { return s.sessions }

// Listen starts accepting protocol connections on a TCP address.
func (s *MultiServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tcpListener = ln
	s.mu.Unlock()
	s.startBackground()
	s.logger.Info("listening", "addr", ln.Addr().String())
	go s.acceptLoop(ln)
	return nil
}

// Addr is the bound TCP listener address.
func (s *MultiServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin use is the point: the web client lives elsewhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ListenWeb starts the HTTP frontend: WebSocket logins, the admin API and
// the status page.
func (s *MultiServer) ListenWeb(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get("/ws", s.serveWebSocket)
	r.Mount("/admin", s.adminRouter())
	page, err := web.Handler(s.statusFields)
	if err != nil {
		ln.Close()
		return err
	}
	r.Handle("/*", page)

	srv := &http.Server{Handler: r}
	s.mu.Lock()
	s.webListener = ln
	s.httpSrv = srv
	s.mu.Unlock()
	s.startBackground()
	s.logger.Info("web frontend listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web frontend failed", "error", err)
		}
	}()
	return nil
}

// WebAddr is the bound HTTP listener address.
func (s *MultiServer) WebAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webListener == nil {
		return nil
	}
	return s.webListener.Addr()
}

func (s *MultiServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		t := newTCPTransport(conn)
		if s.refuseAddress(t.RemoteIP()) {
			conn.Close()
			continue
		}
		s.addClient(newClient(s, t))
	}
}

func (s *MultiServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r.RemoteAddr)
	if s.refuseAddress(ip) {
		http.Error(w, "banned", http.StatusForbidden)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.addClient(newClient(s, newWSTransport(conn, r)))
}

// refuseAddress rejects connections from banned addresses before the
// handshake even starts.
func (s *MultiServer) refuseAddress(ip string) bool {
	if s.database != nil && s.database.IsAddressBanned(ip) {
		s.events.Event(serverlog.TopicBan).User(ip).Info("refused banned address")
		return true
	}
	if s.extBans != nil {
		if _, banned := s.extBans.Match(ip, ""); banned {
			s.events.Event(serverlog.TopicBan).User(ip).Info("refused listed address")
			return true
		}
	}
	return false
}

func (s *MultiServer) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	go c.run()
}

func (s *MultiServer) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// accounts returns the account store, or nil when no database is attached.
func (s *MultiServer) accounts() login.AccountStore {
	if s.database == nil {
		return nil
	}
	return s.database
}

func (s *MultiServer) userBans() login.UserBanStore {
	if s.database == nil {
		return nil
	}
	return s.database
}

// checkBans is consulted by login once the client has identified itself.
func (s *MultiServer) checkBans(ip, sid string) (string, bool) {
	if s.database != nil {
		if ban, banned := s.database.SystemBanFor(sid); banned {
			return ban.Reason, true
		}
	}
	if s.extBans != nil {
		if reason, banned := s.extBans.Match(ip, sid); banned {
			return reason, true
		}
	}
	return "", false
}

func (s *MultiServer) attachClient(sess *session.Session, c *Client) {
	s.mu.Lock()
	pump, ok := s.pumps[sess.ID()]
	if !ok {
		pump = &sessionPump{
			clients: make(map[*Client]struct{}),
			stop:    make(chan struct{}),
		}
		s.pumps[sess.ID()] = pump
		go s.runPump(sess, pump)
	}
	pump.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *MultiServer) detachClient(sess *session.Session, c *Client) {
	s.mu.Lock()
	if pump, ok := s.pumps[sess.ID()]; ok {
		delete(pump.clients, c)
		if len(pump.clients) == 0 {
			close(pump.stop)
			delete(s.pumps, sess.ID())
		}
	}
	s.mu.Unlock()
}

func (s *MultiServer) runPump(sess *session.Session, pump *sessionPump) {
	for {
		select {
		case <-pump.stop:
			return
		case <-sess.NewMessages():
			for _, c := range s.pumpClients(sess.ID()) {
				c.wake()
			}
		}
	}
}

func (s *MultiServer) pumpClients(sessionID string) []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	pump, ok := s.pumps[sessionID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(pump.clients))
	for c := range pump.clients {
		out = append(out, c)
	}
	return out
}

// broadcast sends a message to a session's clients without recording it,
// used for unpreserved chat.
func (s *MultiServer) broadcast(sess *session.Session, msg protocol.Message) {
	for _, c := range s.pumpClients(sess.ID()) {
		c.Send(msg)
	}
}

// noteProgress releases history cache the slowest client no longer needs.
func (s *MultiServer) noteProgress(sess *session.Session) {
	clients := s.pumpClients(sess.ID())
	if len(clients) == 0 {
		return
	}
	min := clients[0].position()
	for _, c := range clients[1:] {
		if pos := c.position(); pos < min {
			min = pos
		}
	}
	if min >= 0 {
		sess.CleanupBatches(min)
	}
}

func (s *MultiServer) userCountChanged(total int) {
	s.mu.Lock()
	if total > 0 {
		s.hadUsers = true
	}
	shouldStop := s.autostop && s.hadUsers && total == 0
	s.mu.Unlock()
	if shouldStop && s.sessions.SessionCount() == 0 {
		s.logger.Info("last user left, stopping")
		go s.Stop()
	}
}

// startBackground launches the periodic chores: empty-session sweeping,
// external ban refresh and log purging.
func (s *MultiServer) startBackground() {
	s.bgOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.bgCancel = cancel
		if s.extBans != nil {
			go s.extBans.Run(ctx)
		}
		go s.chores(ctx)
	})
}

func (s *MultiServer) chores(ctx context.Context) {
	sweep := time.NewTicker(time.Minute)
	purge := time.NewTicker(24 * time.Hour)
	defer sweep.Stop()
	defer purge.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.sessions.Sweep()
		case <-purge.C:
			if s.database != nil {
				if days := s.cfg.GetInt(config.LogPurgeDays); days > 0 {
					if n, err := s.database.PurgeLogs(days); err == nil && n > 0 {
						s.logger.Info("purged old log entries", "count", n)
					}
				}
			}
		}
	}
}

// LoadSessions restores persisted sessions before listening.
func (s *MultiServer) LoadSessions() error {
	return s.sessions.LoadSessions()
}

// Stop shuts everything down: listeners close, clients disconnect, sessions
// are persisted and released.
func (s *MultiServer) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")
		s.mu.Lock()
		if s.tcpListener != nil {
			s.tcpListener.Close()
		}
		httpSrv := s.httpSrv
		clients := make([]*Client, 0, len(s.clients))
		for c := range s.clients {
			clients = append(clients, c)
		}
		cancel := s.bgCancel
		s.mu.Unlock()

		if httpSrv != nil {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			httpSrv.Shutdown(ctx)
			done()
		}
		for _, c := range clients {
			c.Disconnect()
		}
		if cancel != nil {
			cancel()
		}
		s.sessions.StopAll()
		close(s.stopped)
	})
}

// Done is closed once Stop has completed, including autostop.
func (s *MultiServer) Done() <-chan struct{} { return s.stopped }

// Status summarizes the server for admins and the status page.
func (s *MultiServer) Status() map[string]any {
	return map[string]any{
		"started":     s.started.Format(time.RFC3339),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"title":       s.cfg.GetString(config.ServerTitle),
		"sessions":    s.sessions.SessionCount(),
		"maxSessions": s.cfg.GetInt(config.SessionCountLimit),
		"users":       s.sessions.TotalUsers(),
		"ext_auth":    s.extAuth != nil,
		"persistence": s.cfg.GetBool(config.EnablePersistence),
	}
}

func (s *MultiServer) statusFields() map[string]any { return s.Status() }
