package serverlog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/drawboard/db"
)

type captureSink struct {
	entries []db.LogEntry
}

func (s *captureSink) InsertLogEntry(entry db.LogEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func TestEventGoesToBothOutputs(t *testing.T) {
	var buf bytes.Buffer
	sink := &captureSink{}
	l := New(slog.New(slog.NewTextHandler(&buf, nil)), sink)

	l.Event(TopicKick).Session("abc123").User("mallory").Warn("kicked by operator")

	require.Len(t, sink.entries, 1)
	entry := sink.entries[0]
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "kick", entry.Topic)
	assert.Equal(t, "abc123", entry.Session)
	assert.Equal(t, "mallory", entry.User)
	assert.Equal(t, "kicked by operator", entry.Message)

	out := buf.String()
	assert.Contains(t, out, "topic=kick")
	assert.Contains(t, out, "session=abc123")
}

func TestNilSinkOnlyLogs(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)), nil)
	l.Event(TopicJoin).User("alice").Info("joined")
	assert.Contains(t, buf.String(), "joined")
}
