package protocol

import (
	"encoding/json"
	"fmt"
)

// ServerCommand is a client-to-server request during the login handshake,
// carried as JSON in a MsgCommand record.
type ServerCommand struct {
	Cmd    string                     `json:"cmd"`
	Args   []json.RawMessage          `json:"args,omitempty"`
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// ParseServerCommand decodes a MsgCommand record into a ServerCommand.
func ParseServerCommand(msg Message) (ServerCommand, error) {
	if msg.Type != MsgCommand {
		return ServerCommand{}, fmt.Errorf("expected command message, got type %d", msg.Type)
	}
	var cmd ServerCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return ServerCommand{}, fmt.Errorf("malformed server command: %w", err)
	}
	if cmd.Cmd == "" {
		return ServerCommand{}, fmt.Errorf("server command without cmd field")
	}
	return cmd, nil
}

// ArgString returns positional argument i as a string, or "" if absent or of
// another type.
func (c ServerCommand) ArgString(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Args[i], &s); err != nil {
		return ""
	}
	return s
}

// KwargString returns keyword argument key as a string, or "".
func (c ServerCommand) KwargString(key string) string {
	raw, ok := c.Kwargs[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// KwargBool returns keyword argument key as a bool, defaulting to false.
func (c ServerCommand) KwargBool(key string) bool {
	raw, ok := c.Kwargs[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

// ServerReply is a server-to-client handshake reply. Fields are flattened
// next to the type discriminator on the wire.
type ServerReply struct {
	Type    string
	Message string
	Fields  map[string]any
}

func (r ServerReply) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["type"] = r.Type
	if r.Message != "" {
		m["message"] = r.Message
	}
	return json.Marshal(m)
}

func (r *ServerReply) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.Type, _ = m["type"].(string)
	r.Message, _ = m["message"].(string)
	delete(m, "type")
	delete(m, "message")
	r.Fields = m
	return nil
}

// ReplyMessage wraps a ServerReply into a MsgCommand record originating from
// the server (context id 0).
func ReplyMessage(reply ServerReply) Message {
	payload, err := json.Marshal(reply)
	if err != nil {
		// A reply is always built from marshalable values.
		panic(fmt.Sprintf("marshaling server reply: %v", err))
	}
	return Message{Type: MsgCommand, Payload: payload}
}

// ParseServerReply decodes a MsgCommand record into a ServerReply.
func ParseServerReply(msg Message) (ServerReply, error) {
	if msg.Type != MsgCommand {
		return ServerReply{}, fmt.Errorf("expected command message, got type %d", msg.Type)
	}
	var reply ServerReply
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		return ServerReply{}, fmt.Errorf("malformed server reply: %w", err)
	}
	return reply, nil
}
