package server

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/drawboard/config"
	"github.com/jmcleod/drawboard/db"
	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/serverlog"
	"github.com/jmcleod/drawboard/session"
)

//go:embed openapi.yaml
var openapiSpec []byte

// AdminRequest is one admin API call in transport-neutral form: the HTTP
// frontend builds these from requests, and tests can submit them directly.
type AdminRequest struct {
	Method string
	Path   []string
	Body   json.RawMessage
}

type adminError struct {
	status  int
	message string
}

func (e *adminError) Error() string { return e.message }

func errBadRequest(format string, args ...any) error {
	return &adminError{http.StatusBadRequest, fmt.Sprintf(format, args...)}
}

func errAdminNotFound(format string, args ...any) error {
	return &adminError{http.StatusNotFound, fmt.Sprintf(format, args...)}
}

var errNoDatabase = &adminError{http.StatusConflict, "no server database configured"}

// adminCredentials guards the admin API when set.
type adminCredentials struct {
	username string
	password string
}

// WithAdminCredentials requires HTTP basic auth on the admin API.
func WithAdminCredentials(username, password string) Option {
	return func(s *MultiServer) {
		s.adminCreds = &adminCredentials{username: username, password: password}
	}
}

// AdminCommand dispatches one admin API call.
func (s *MultiServer) AdminCommand(req AdminRequest) (any, error) {
	if len(req.Path) == 0 {
		return nil, errAdminNotFound("no resource named")
	}
	rest := req.Path[1:]
	switch req.Path[0] {
	case "server":
		return s.adminServer(req.Method, req.Body)
	case "status":
		if req.Method != http.MethodGet {
			return nil, errBadRequest("status is read only")
		}
		return s.Status(), nil
	case "sessions":
		return s.adminSessions(req.Method, rest, req.Body)
	case "users":
		if req.Method != http.MethodGet {
			return nil, errBadRequest("users is read only")
		}
		return s.adminUsers(), nil
	case "banlist":
		return s.adminBanlist(req.Method, rest, req.Body)
	case "systembans":
		return s.adminSystemBans(req.Method, rest, req.Body)
	case "userbans":
		return s.adminUserBans(req.Method, rest, req.Body)
	case "listserverwhitelist":
		return s.adminWhitelist(req.Method, req.Body)
	case "accounts":
		return s.adminAccounts(req.Method, rest, req.Body)
	case "log":
		return s.adminLog(req.Method, req.Body)
	case "extbans":
		return s.adminExtBans(req.Method, rest, req.Body)
	default:
		return nil, errAdminNotFound("no resource %q", req.Path[0])
	}
}

func (s *MultiServer) adminServer(method string, body json.RawMessage) (any, error) {
	switch method {
	case http.MethodGet:
		settings := make(map[string]string)
		for _, key := range config.Keys() {
			settings[key.Name] = s.cfg.GetString(key)
		}
		return settings, nil
	case http.MethodPut:
		var changes map[string]string
		if err := json.Unmarshal(body, &changes); err != nil {
			return nil, errBadRequest("expected an object of setting values")
		}
		known := make(map[string]config.Key)
		for _, key := range config.Keys() {
			known[key.Name] = key
		}
		for name, value := range changes {
			key, ok := known[name]
			if !ok {
				return nil, errBadRequest("no setting named %q", name)
			}
			if err := s.cfg.SetValue(key, value); err != nil {
				return nil, err
			}
		}
		return s.adminServer(http.MethodGet, nil)
	default:
		return nil, errBadRequest("unsupported method %s", method)
	}
}

type sessionUpdate struct {
	Title    *string `json:"title"`
	MaxUsers *int    `json:"maxUserCount"`
	Password *string `json:"password"`

	Persistent *bool `json:"persistent"`
	Nsfm       *bool `json:"nsfm"`
	AuthOnly   *bool `json:"authOnly"`
	Closed     *bool `json:"closed"`
}

func (s *MultiServer) adminSessions(method string, path []string, body json.RawMessage) (any, error) {
	if len(path) == 0 {
		if method != http.MethodGet {
			return nil, errBadRequest("unsupported method %s", method)
		}
		return s.sessions.Descriptions(), nil
	}

	sess := s.sessions.GetSessionByID(path[0])
	if sess == nil {
		return nil, errAdminNotFound("no session %q", path[0])
	}

	// sessions/{id}/users/{userID}
	if len(path) == 3 && path[1] == "users" {
		if method != http.MethodDelete {
			return nil, errBadRequest("unsupported method %s", method)
		}
		uid, err := strconv.Atoi(path[2])
		if err != nil || uid < 1 || uid > 255 {
			return nil, errBadRequest("bad user id %q", path[2])
		}
		if !s.kickUser(sess, uint8(uid)) {
			return nil, errAdminNotFound("no user %d in session", uid)
		}
		s.events.Event(serverlog.TopicKick).Session(sess.ID()).User(path[2]).Info("kicked by admin")
		return map[string]any{"status": "ok"}, nil
	}
	if len(path) != 1 {
		return nil, errAdminNotFound("no such resource")
	}

	switch method {
	case http.MethodGet:
		return map[string]any{
			"session": sess.Describe(),
			"users":   sess.Members(),
			"bans":    sess.Bans(),
		}, nil
	case http.MethodPut:
		var update sessionUpdate
		if err := json.Unmarshal(body, &update); err != nil {
			return nil, errBadRequest("bad session update")
		}
		if err := s.applySessionUpdate(sess, update); err != nil {
			return nil, err
		}
		return sess.Describe(), nil
	case http.MethodDelete:
		s.disconnectSessionClients(sess)
		s.sessions.RemoveSession(sess.ID())
		return map[string]any{"status": "ok"}, nil
	default:
		return nil, errBadRequest("unsupported method %s", method)
	}
}

func (s *MultiServer) applySessionUpdate(sess *session.Session, update sessionUpdate) error {
	if update.Title != nil {
		sess.SetTitle(*update.Title)
	}
	if update.MaxUsers != nil && *update.MaxUsers > 0 {
		sess.SetMaxUsers(*update.MaxUsers)
	}
	if update.Password != nil {
		if err := sess.SetPassword(*update.Password); err != nil {
			return err
		}
	}
	flags := sess.Flags()
	if update.Persistent != nil && s.cfg.GetBool(config.EnablePersistence) {
		flags = flags.With(history.Persistent, *update.Persistent)
	}
	if update.Nsfm != nil {
		flags = flags.With(history.Nsfm, *update.Nsfm)
	}
	if update.AuthOnly != nil {
		flags = flags.With(history.AuthOnly, *update.AuthOnly)
	}
	sess.SetFlags(flags)
	if update.Closed != nil && *update.Closed {
		sess.CloseToJoins()
	}
	return nil
}

func (s *MultiServer) adminUsers() []map[string]any {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	out := make([]map[string]any, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.describe())
	}
	return out
}

// kickUser disconnects a session member's connection, or detaches the
// member directly if no live connection is found.
func (s *MultiServer) kickUser(sess *session.Session, id uint8) bool {
	if _, ok := sess.MemberByID(id); !ok {
		return false
	}
	for _, c := range s.pumpClients(sess.ID()) {
		c.mu.Lock()
		match := c.member.ID == id
		c.mu.Unlock()
		if match {
			c.Disconnect()
			return true
		}
	}
	sess.Leave(id)
	return true
}

func (s *MultiServer) disconnectSessionClients(sess *session.Session) {
	for _, c := range s.pumpClients(sess.ID()) {
		c.Disconnect()
	}
}

type banBody struct {
	IP      string `json:"ip"`
	Subnet  int    `json:"subnet"`
	Sid     string `json:"sid"`
	UserID  int64  `json:"userId"`
	Expires string `json:"expires"`
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func (b banBody) expiry() (time.Time, error) {
	if b.Expires == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, b.Expires)
}

func (s *MultiServer) adminBanlist(method string, path []string, body json.RawMessage) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	switch method {
	case http.MethodGet:
		return s.database.ListIPBans()
	case http.MethodPost:
		var b banBody
		if err := json.Unmarshal(body, &b); err != nil || b.IP == "" {
			return nil, errBadRequest("a ban needs at least an ip")
		}
		expires, err := b.expiry()
		if err != nil {
			return nil, errBadRequest("bad expiry: %v", err)
		}
		ban, err := s.database.AddIPBan(b.IP, b.Subnet, expires, b.Comment)
		if err != nil {
			return nil, errBadRequest("%v", err)
		}
		return ban, nil
	case http.MethodDelete:
		return s.deleteBan(path, s.database.DeleteIPBan)
	default:
		return nil, errBadRequest("unsupported method %s", method)
	}
}

func (s *MultiServer) adminSystemBans(method string, path []string, body json.RawMessage) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	switch method {
	case http.MethodGet:
		return s.database.ListSystemBans()
	case http.MethodPost:
		var b banBody
		if err := json.Unmarshal(body, &b); err != nil || b.Sid == "" {
			return nil, errBadRequest("a system ban needs a sid")
		}
		expires, err := b.expiry()
		if err != nil {
			return nil, errBadRequest("bad expiry: %v", err)
		}
		ban, err := s.database.AddSystemBan(b.Sid, expires, b.Comment, b.Reason)
		if err != nil {
			return nil, err
		}
		return ban, nil
	case http.MethodDelete:
		return s.deleteBan(path, s.database.DeleteSystemBan)
	default:
		return nil, errBadRequest("unsupported method %s", method)
	}
}

func (s *MultiServer) adminUserBans(method string, path []string, body json.RawMessage) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	switch method {
	case http.MethodGet:
		return s.database.ListUserBans()
	case http.MethodPost:
		var b banBody
		if err := json.Unmarshal(body, &b); err != nil || b.UserID == 0 {
			return nil, errBadRequest("a user ban needs a userId")
		}
		expires, err := b.expiry()
		if err != nil {
			return nil, errBadRequest("bad expiry: %v", err)
		}
		ban, err := s.database.AddUserBan(b.UserID, expires, b.Comment, b.Reason)
		if err != nil {
			return nil, err
		}
		return ban, nil
	case http.MethodDelete:
		return s.deleteBan(path, s.database.DeleteUserBan)
	default:
		return nil, errBadRequest("unsupported method %s", method)
	}
}

func (s *MultiServer) deleteBan(path []string, remove func(uint64) error) (any, error) {
	if len(path) != 1 {
		return nil, errBadRequest("which ban?")
	}
	id, err := strconv.ParseUint(path[0], 10, 64)
	if err != nil {
		return nil, errBadRequest("bad ban id %q", path[0])
	}
	if err := remove(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, errAdminNotFound("no ban %d", id)
		}
		return nil, err
	}
	return map[string]any{"status": "ok"}, nil
}

func (s *MultiServer) adminWhitelist(method string, body json.RawMessage) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	switch method {
	case http.MethodGet:
		urls, err := s.database.ListServerWhitelist()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"whitelist": urls,
			"enabled":   s.cfg.GetBool(config.AnnounceWhitelist),
		}, nil
	case http.MethodPut:
		var update struct {
			Whitelist []string `json:"whitelist"`
			Enabled   *bool    `json:"enabled"`
		}
		if err := json.Unmarshal(body, &update); err != nil {
			return nil, errBadRequest("bad whitelist update")
		}
		if update.Whitelist != nil {
			if err := s.database.SetListServerWhitelist(update.Whitelist); err != nil {
				return nil, err
			}
		}
		if update.Enabled != nil {
			s.cfg.SetValue(config.AnnounceWhitelist, strconv.FormatBool(*update.Enabled))
		}
		return s.adminWhitelist(http.MethodGet, nil)
	default:
		return nil, errBadRequest("unsupported method %s", method)
	}
}

type accountBody struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Locked   *bool    `json:"locked"`
	Flags    []string `json:"flags"`
}

func (s *MultiServer) adminAccounts(method string, path []string, body json.RawMessage) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	switch {
	case method == http.MethodGet && len(path) == 0:
		return s.database.ListAccounts()
	case method == http.MethodPost && len(path) == 1 && path[0] == "auth":
		var b accountBody
		if err := json.Unmarshal(body, &b); err != nil || b.Username == "" {
			return nil, errBadRequest("an auth check needs a username")
		}
		acct, err := s.database.Authenticate(b.Username, b.Password)
		if err != nil {
			return map[string]any{"status": "badpass"}, nil
		}
		return map[string]any{"status": "auth", "account": acct}, nil
	case method == http.MethodPost && len(path) == 0:
		var b accountBody
		if err := json.Unmarshal(body, &b); err != nil || b.Username == "" || b.Password == "" {
			return nil, errBadRequest("an account needs a username and password")
		}
		locked := b.Locked != nil && *b.Locked
		acct, err := s.database.AddAccount(b.Username, b.Password, locked, b.Flags)
		if err != nil {
			if errors.Is(err, db.ErrAccountExists) {
				return nil, errBadRequest("%v", err)
			}
			return nil, err
		}
		return acct, nil
	case method == http.MethodPut && len(path) == 1:
		var b accountBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, errBadRequest("bad account update")
		}
		acct, err := s.database.UpdateAccount(path[0], b.Password, b.Locked, b.Flags)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, errAdminNotFound("no account %q", path[0])
			}
			return nil, err
		}
		return acct, nil
	case method == http.MethodDelete && len(path) == 1:
		if err := s.database.DeleteAccount(path[0]); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, errAdminNotFound("no account %q", path[0])
			}
			return nil, err
		}
		return map[string]any{"status": "ok"}, nil
	default:
		return nil, errBadRequest("unsupported accounts call")
	}
}

func (s *MultiServer) adminLog(method string, body json.RawMessage) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	if method != http.MethodGet {
		return nil, errBadRequest("log is read only")
	}
	var query struct {
		Session  string `json:"session"`
		User     string `json:"user"`
		Contains string `json:"contains"`
		After    string `json:"after"`
		Page     string `json:"page"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &query); err != nil {
			return nil, errBadRequest("bad log query")
		}
	}
	q := db.LogQuery{Session: query.Session, User: query.User, Contains: query.Contains}
	if query.After != "" {
		after, err := time.Parse(time.RFC3339, query.After)
		if err != nil {
			return nil, errBadRequest("bad after timestamp")
		}
		q.After = after
	}
	if query.Page != "" {
		page, err := strconv.Atoi(query.Page)
		if err != nil || page < 0 {
			return nil, errBadRequest("bad page number")
		}
		q.Page = page
	}
	return s.database.QueryLogs(q)
}

func (s *MultiServer) adminExtBans(method string, path []string, body json.RawMessage) (any, error) {
	if s.extBans == nil {
		return map[string]any{"enabled": false}, nil
	}
	if len(path) == 1 {
		if method != http.MethodPut {
			return nil, errBadRequest("unsupported method %s", method)
		}
		id, err := strconv.Atoi(path[0])
		if err != nil {
			return nil, errBadRequest("bad ban id %q", path[0])
		}
		var update struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal(body, &update); err != nil {
			return nil, errBadRequest("bad ban update")
		}
		if !s.extBans.SetBanEnabled(id, update.Enabled) {
			return nil, errAdminNotFound("no cached ban %d", id)
		}
		return map[string]any{"status": "ok"}, nil
	}
	switch method {
	case http.MethodGet:
		status := s.extBans.Status()
		status["enabled"] = true
		status["bans"] = s.extBans.List()
		return status, nil
	case http.MethodPost:
		if err := s.extBans.Refresh(context.Background()); err != nil {
			return nil, &adminError{http.StatusBadGateway, err.Error()}
		}
		return s.extBans.Status(), nil
	default:
		return nil, errBadRequest("unsupported method %s", method)
	}
}

// adminRouter exposes AdminCommand over HTTP, plus the API description and
// its viewers.
func (s *MultiServer) adminRouter() http.Handler {
	r := chi.NewRouter()
	if s.adminCreds != nil {
		r.Use(s.adminAuth)
	}

	r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/admin/openapi.yaml",
		Path:    "admin/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/admin/openapi.yaml",
		Path:    "admin/redoc",
	}, nil))

	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		var segments []string
		for _, part := range strings.Split(chi.URLParam(req, "*"), "/") {
			if part != "" {
				segments = append(segments, part)
			}
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			http.Error(w, "could not read body", http.StatusBadRequest)
			return
		}
		// GET carries its filters in the query string.
		if len(body) == 0 && len(req.URL.Query()) > 0 {
			params := make(map[string]string)
			for name, values := range req.URL.Query() {
				params[name] = values[0]
			}
			body, _ = json.Marshal(params)
		}

		result, err := s.AdminCommand(AdminRequest{
			Method: req.Method,
			Path:   segments,
			Body:   body,
		})
		if err != nil {
			status := http.StatusInternalServerError
			var ae *adminError
			if errors.As(err, &ae) {
				status = ae.status
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
	return r
}

func (s *MultiServer) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOk := subtle.ConstantTimeCompare([]byte(user), []byte(s.adminCreds.username)) == 1
		passOk := subtle.ConstantTimeCompare([]byte(pass), []byte(s.adminCreds.password)) == 1
		if !ok || !userOk || !passOk {
			w.Header().Set("WWW-Authenticate", `Basic realm="drawboard admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
