// Package memory provides the in-RAM session history backend, used for
// non-persistent sessions. It is also the reference implementation of the
// history contract and the primary test double.
package memory

import (
	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/protocol"
)

// History is a purely in-memory session history. Nothing survives the
// process.
type History struct {
	history.Log

	messages      []protocol.Message
	announcements map[string]struct{}

	alias          string
	founder        string
	title          string
	version        protocol.ProtocolVersion
	password       string
	opword         string
	maxUsers       int
	autoReset      uint64
	flags          history.Flags
	nextCatchupKey int
}

var _ history.History = (*History)(nil)

// New creates an empty in-memory history.
func New(id, alias string, version protocol.ProtocolVersion, founder string) *History {
	h := &History{
		announcements:  make(map[string]struct{}),
		alias:          alias,
		founder:        founder,
		version:        version,
		maxUsers:       254,
		nextCatchupKey: history.MinCatchupKey,
	}
	h.Log = history.NewLog(id)
	h.SetRecorder(h)
	return h
}

func (h *History) Alias() string                            { return h.alias }
func (h *History) Founder() string                          { return h.founder }
func (h *History) SetFounder(founder string)                { h.founder = founder }
func (h *History) ProtocolVersion() protocol.ProtocolVersion { return h.version }
func (h *History) PasswordHash() string                     { return h.password }
func (h *History) SetPasswordHash(hash string)              { h.password = hash }
func (h *History) OpwordHash() string                       { return h.opword }
func (h *History) SetOpwordHash(hash string)                { h.opword = hash }
func (h *History) MaxUsers() int                            { return h.maxUsers }
func (h *History) Title() string                            { return h.title }
func (h *History) SetTitle(title string)                    { h.title = title }
func (h *History) Flags() history.Flags                     { return h.flags }
func (h *History) SetFlags(f history.Flags)                 { h.flags = f }
func (h *History) AutoResetThreshold() uint64               { return h.autoReset }

func (h *History) SetMaxUsers(count int) {
	if count < 1 {
		count = 1
	} else if count > 254 {
		count = 254
	}
	h.maxUsers = count
}

// SetAutoResetThreshold clamps the threshold to 90% of the size limit so an
// autoreset is always requested before the hard limit hits.
func (h *History) SetAutoResetThreshold(limit uint64) {
	if h.SizeLimit() == 0 {
		h.autoReset = limit
	} else {
		if max := h.SizeLimit() * 9 / 10; limit > max {
			limit = max
		}
		h.autoReset = limit
	}
}

func (h *History) EffectiveAutoResetThreshold() uint64 {
	return h.AutoResetThreshold() + h.AutoResetThresholdBase()
}

func (h *History) NextCatchupKey() int {
	return history.IncrementCatchupKey(&h.nextCatchupKey)
}

// GetBatch returns all messages following the given index. Everything is in
// RAM, so there is never a partial batch.
func (h *History) GetBatch(after int64) ([]protocol.Message, int64) {
	last := h.LastIndex()
	if after >= last {
		return nil, last
	}
	offset := after + 1 - h.FirstIndex()
	if offset < 0 {
		offset = 0
	}
	return append([]protocol.Message(nil), h.messages[offset:]...), last
}

// CleanupBatches is a no-op: there is no read-ahead cache to evict.
func (h *History) CleanupBatches(before int64) {}

// Terminate is a no-op: there is nothing on disk to finalize.
func (h *History) Terminate() error { return nil }

// Close is a no-op: there are no files to release.
func (h *History) Close() error { return nil }

func (h *History) AddAnnouncement(url string)    { h.announcements[url] = struct{}{} }
func (h *History) RemoveAnnouncement(url string) { delete(h.announcements, url) }

func (h *History) Announcements() []string {
	out := make([]string, 0, len(h.announcements))
	for url := range h.announcements {
		out = append(out, url)
	}
	return out
}

// Persistence hooks. Messages live in the slice; everything else has nowhere
// to go.

func (h *History) RecordMessage(msg protocol.Message) {
	h.messages = append(h.messages, msg)
}

func (h *History) RecordReset(newHistory []protocol.Message) {
	h.messages = append([]protocol.Message(nil), newHistory...)
}

func (h *History) RecordBanAdd(b history.Ban)                  {}
func (h *History) RecordBanRemove(id int)                      {}
func (h *History) RecordAuthOperator(authID string, op bool)   {}
func (h *History) RecordAuthTrust(authID string, trusted bool) {}
func (h *History) RecordAuthUsername(authID, username string)  {}
func (h *History) RecordJoinUser(id uint8, name string)        {}
