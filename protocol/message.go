// Package protocol defines the records exchanged within a session and the
// textual command envelope used during the login handshake.
//
// A message on the wire is a length-prefixed record:
//
//	uint32  payload length (big endian)
//	uint8   message type
//	uint8   context (user) id
//	[]byte  payload
//
// The server treats payloads as opaque; only the handful of types it
// originates or inspects are named here.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message types the server knows about. Everything else is drawing traffic
// that is recorded and fanned out untouched.
const (
	MsgCommand      uint8 = 0 // JSON server command/reply (login and control)
	MsgDisconnect   uint8 = 1
	MsgPing         uint8 = 2
	MsgJoin         uint8 = 32
	MsgLeave        uint8 = 33
	MsgSessionOwner uint8 = 34
	MsgChat         uint8 = 35
	MsgTrustedUsers uint8 = 36
	MsgSoftReset    uint8 = 37
)

const headerLen = 6

// MaxPayloadLen bounds a single record. Anything larger is a framing error.
const MaxPayloadLen = 0xffffff

var ErrPayloadTooLarge = errors.New("message payload too large")

// Message is one ordered protocol record. The zero value is not valid on the
// wire; use the constructors or decode one.
type Message struct {
	Type      uint8
	ContextID uint8
	Payload   []byte
}

// NewMessage copies payload into a fresh Message.
func NewMessage(msgType, contextID uint8, payload []byte) Message {
	return Message{Type: msgType, ContextID: contextID, Payload: append([]byte(nil), payload...)}
}

// Size returns the serialized size in bytes, which is also the size used for
// history accounting.
func (m Message) Size() int {
	return headerLen + len(m.Payload)
}

// Equal reports whether two messages serialize identically.
func (m Message) Equal(other Message) bool {
	if m.Type != other.Type || m.ContextID != other.ContextID || len(m.Payload) != len(other.Payload) {
		return false
	}
	for i := range m.Payload {
		if m.Payload[i] != other.Payload[i] {
			return false
		}
	}
	return true
}

// Serialize appends the wire form of the message to buf.
func (m Message) Serialize(buf []byte) ([]byte, error) {
	if len(m.Payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Type, m.ContextID)
	return append(buf, m.Payload...), nil
}

// WriteTo writes the message in wire form.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	buf, err := m.Serialize(nil)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadMessage decodes one message from r. io.EOF is returned untouched when
// the stream ends cleanly at a record boundary.
func ReadMessage(r io.Reader) (Message, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("reading message length: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(header[:4])
	if payloadLen > MaxPayloadLen {
		return Message{}, ErrPayloadTooLarge
	}
	if _, err := io.ReadFull(r, header[4:]); err != nil {
		return Message{}, fmt.Errorf("reading message header: %w", err)
	}
	msg := Message{Type: header[4], ContextID: header[5]}
	if payloadLen > 0 {
		msg.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return Message{}, fmt.Errorf("reading message payload: %w", err)
		}
	}
	return msg, nil
}

// TotalSize sums the serialized sizes of a message list.
func TotalSize(msgs []Message) uint64 {
	var total uint64
	for _, m := range msgs {
		total += uint64(m.Size())
	}
	return total
}
