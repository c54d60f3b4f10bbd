package server

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmcleod/drawboard/protocol"
)

// transport is the framing layer under a client connection. The plain TCP
// listener and the WebSocket endpoint both produce one.
type transport interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(msg protocol.Message) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteIP() string
}

var errTLSUnsupported = errors.New("transport cannot upgrade to TLS")

type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, r: bufio.NewReader(conn)}
}

func (t *tcpTransport) ReadMessage() (protocol.Message, error) {
	return protocol.ReadMessage(t.r)
}

func (t *tcpTransport) WriteMessage(msg protocol.Message) error {
	_, err := msg.WriteTo(t.conn)
	return err
}

func (t *tcpTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

func (t *tcpTransport) RemoteIP() string {
	return remoteIP(t.conn.RemoteAddr().String())
}

// upgradeTLS wraps the connection in a server-side TLS handshake. The
// buffered reader must be empty: the client speaks next after startTls.
func (t *tcpTransport) upgradeTLS(cfg *tls.Config) error {
	if cfg == nil {
		return errTLSUnsupported
	}
	tlsConn := tls.Server(t.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	t.conn = tlsConn
	t.r = bufio.NewReader(tlsConn)
	return nil
}

// wsTransport carries one protocol record per binary WebSocket frame. TLS is
// the HTTP server's business, not ours.
type wsTransport struct {
	conn *websocket.Conn
	ip   string
}

func newWSTransport(conn *websocket.Conn, r *http.Request) *wsTransport {
	return &wsTransport{conn: conn, ip: remoteIP(r.RemoteAddr)}
}

func (t *wsTransport) ReadMessage() (protocol.Message, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return protocol.ReadMessage(bytes.NewReader(data))
	}
}

func (t *wsTransport) WriteMessage(msg protocol.Message) error {
	buf, err := msg.Serialize(nil)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

func (t *wsTransport) RemoteIP() string { return t.ip }

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if parsed, err := netip.ParseAddr(host); err == nil {
		return parsed.String()
	}
	return host
}
