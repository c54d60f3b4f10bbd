// Package serverlog records noteworthy server events both to the structured
// slog output and, when a database is attached, to the queryable persistent
// log.
package serverlog

import (
	"context"
	"log/slog"

	"github.com/jmcleod/drawboard/db"
)

// Topic identifies the kind of event being logged.
type Topic string

const (
	TopicJoin    Topic = "join"
	TopicLeave   Topic = "leave"
	TopicKick    Topic = "kick"
	TopicBan     Topic = "ban"
	TopicUnban   Topic = "unban"
	TopicOp      Topic = "op"
	TopicDeop    Topic = "deop"
	TopicTrust   Topic = "trust"
	TopicMute    Topic = "mute"
	TopicBadData Topic = "baddata"
	TopicRuleKey Topic = "rulebreak"
	TopicPubList Topic = "publiclist"
	TopicStatus  Topic = "status"
)

// Sink persists log entries. *db.Database satisfies it.
type Sink interface {
	InsertLogEntry(entry db.LogEntry) error
}

// Logger fans server events out to slog and an optional persistent sink.
type Logger struct {
	logger *slog.Logger
	sink   Sink
}

// New returns a Logger. sink may be nil, in which case events only go to
// the structured log.
func New(logger *slog.Logger, sink Sink) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		logger: logger.With("component", "serverlog"),
		sink:   sink,
	}
}

// Entry is one event under construction. Build it fluently and finish with
// a level method.
type Entry struct {
	parent  *Logger
	topic   Topic
	session string
	user    string
}

func (l *Logger) Event(topic Topic) *Entry {
	return &Entry{parent: l, topic: topic}
}

// Session tags the entry with a session id.
func (e *Entry) Session(id string) *Entry {
	e.session = id
	return e
}

// User tags the entry with a user name or descriptor.
func (e *Entry) User(name string) *Entry {
	e.user = name
	return e
}

func (e *Entry) Info(message string)  { e.emit(slog.LevelInfo, message) }
func (e *Entry) Warn(message string)  { e.emit(slog.LevelWarn, message) }
func (e *Entry) Error(message string) { e.emit(slog.LevelError, message) }

func (e *Entry) emit(level slog.Level, message string) {
	attrs := []slog.Attr{slog.String("topic", string(e.topic))}
	if e.session != "" {
		attrs = append(attrs, slog.String("session", e.session))
	}
	if e.user != "" {
		attrs = append(attrs, slog.String("user", e.user))
	}
	e.parent.logger.LogAttrs(context.Background(), level, message, attrs...)

	if e.parent.sink != nil {
		err := e.parent.sink.InsertLogEntry(db.LogEntry{
			Level:   level.String(),
			Topic:   string(e.topic),
			Session: e.session,
			User:    e.user,
			Message: message,
		})
		if err != nil {
			e.parent.logger.Warn("persisting log entry", "error", err)
		}
	}
}
