// Package filed provides the disk-backed session history: a line-oriented
// metadata journal plus one or more binary recording files, surviving server
// restarts.
//
// Write failures never propagate: the failing writer is discarded, the
// condition is logged, and the session keeps serving from memory with
// persistence degraded.
package filed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/protocol"
)

// History is the persistent session history backend.
type History struct {
	history.Log

	dir       string
	journal   *os.File
	recording *os.File
	logger    *slog.Logger

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
	announcements  []string

	blocks    []block
	fileCount int
	archive   bool
	degraded  bool
}

var _ history.History = (*History)(nil)

// JournalFilename returns the metadata journal name for a session id.
func JournalFilename(id string) string {
	return id + ".session"
}

func recordingFilename(id string, fileCount int) string {
	if fileCount == 0 {
		return id + ".rec"
	}
	return fmt.Sprintf("%s.%d.rec", id, fileCount)
}

// StartNew creates a fresh file-backed history in dir. It fails if the
// journal cannot be created, including when one already exists for this id.
func StartNew(dir, id, alias string, version protocol.ProtocolVersion, founder string, logger *slog.Logger) (*History, error) {
	if logger == nil {
		logger = slog.Default()
	}
	journalPath := filepath.Join(dir, JournalFilename(id))
	journal, err := os.OpenFile(journalPath, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating journal: %w", err)
	}

	h := &History{
		dir:            dir,
		journal:        journal,
		logger:         logger.With("session", id),
		alias:          alias,
		founder:        founder,
		version:        version,
		maxUsers:       254,
		nextCatchupKey: history.MinCatchupKey,
	}
	h.Log = history.NewLog(id)
	h.SetRecorder(h)

	h.journalLine("version %s", version.String())
	h.journalLine("started %s", h.StartTime().Format(time.RFC3339))
	h.journalLine("founder %s", encodeField(founder))
	if alias != "" {
		h.journalLine("alias %s", alias)
	}

	if err := h.openRecording(); err != nil {
		journal.Close()
		os.Remove(journalPath)
		return nil, err
	}
	return h, nil
}

// Load reconstructs a history from its journal path, rebuilding the block
// index by scanning the current recording file.
func Load(path string, logger *slog.Logger) (*History, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id := strings.TrimSuffix(filepath.Base(path), ".session")
	journal, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	st, err := replayJournal(journal)
	if err != nil {
		journal.Close()
		return nil, err
	}

	h := &History{
		dir:           filepath.Dir(path),
		journal:       journal,
		logger:        logger.With("session", id),
		alias:         st.alias,
		founder:       st.founder,
		title:         st.title,
		version:       st.version,
		password:      st.password,
		opword:        st.opword,
		maxUsers:      st.maxUsers,
		autoReset:     st.autoReset,
		flags:         st.flags,
		fileCount:     st.fileCount,
		announcements: st.announcements,
	}
	h.Log = history.NewLog(id)
	h.SetRecorder(h)

	// A reloaded session allocates catch-up keys from the long-lived range
	// so keys handed out before the restart cannot alias new ones.
	if st.catchupKey >= history.InitialCatchupKey {
		h.nextCatchupKey = st.catchupKey
	} else {
		h.nextCatchupKey = history.InitialCatchupKey
	}

	recPath := filepath.Join(h.dir, recordingFilename(id, h.fileCount))
	recording, err := os.OpenFile(recPath, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("opening recording: %w", err)
	}
	blocks, totalSize, err := scanBlocks(recording)
	if err != nil {
		recording.Close()
		journal.Close()
		return nil, fmt.Errorf("scanning recording blocks: %w", err)
	}
	// A torn tail record is dropped by the scan but still sits in the file;
	// cut it off so resumed appends land directly after the last complete
	// record and block offsets stay aligned with the bytes on disk.
	if end := blocks[len(blocks)-1].endOffset; end > 0 {
		if stat, err := recording.Stat(); err == nil && stat.Size() > end {
			if err := recording.Truncate(end); err != nil {
				recording.Close()
				journal.Close()
				return nil, fmt.Errorf("truncating torn recording tail: %w", err)
			}
		}
	}
	h.recording = recording
	h.blocks = blocks

	count := 0
	for _, b := range blocks {
		count += b.count
	}
	h.InitLoaded(totalSize, count, st.startTime())

	// New appends go into a fresh block: the scanned tail has no message
	// cache, so appending into it would misalign cache and index.
	h.CloseBlock()

	for _, b := range st.bans {
		h.RestoreBan(b)
	}
	h.RestoreAuth(st.authOps, st.authTrusted, st.authUsernames)
	for id, name := range st.joinedUsers {
		h.IDQueue().SetIDForName(id, name)
	}
	return h, nil
}

// SetArchive enables archival mode: on termination the journal is renamed
// with an ".archived" suffix instead of being deleted, and superseded
// recording files are kept.
func (h *History) SetArchive(archive bool) { h.archive = archive }

// Degraded reports whether a write failure has downgraded this history to
// memory-only persistence.
func (h *History) Degraded() bool { return h.degraded }

func (h *History) Alias() string                             { return h.alias }
func (h *History) Founder() string                           { return h.founder }
func (h *History) ProtocolVersion() protocol.ProtocolVersion { return h.version }
func (h *History) PasswordHash() string                      { return h.password }
func (h *History) OpwordHash() string                        { return h.opword }
func (h *History) MaxUsers() int                             { return h.maxUsers }
func (h *History) Title() string                             { return h.title }
func (h *History) Flags() history.Flags                      { return h.flags }
func (h *History) AutoResetThreshold() uint64                { return h.autoReset }

func (h *History) SetFounder(founder string) {
	h.founder = founder
	h.journalLine("founder %s", encodeField(founder))
}

func (h *History) SetPasswordHash(hash string) {
	h.password = hash
	h.journalLine("password %s", orDash(hash))
}

func (h *History) SetOpwordHash(hash string) {
	h.opword = hash
	h.journalLine("opword %s", orDash(hash))
}

func (h *History) SetMaxUsers(count int) {
	if count < 1 {
		count = 1
	} else if count > 254 {
		count = 254
	}
	h.maxUsers = count
	h.journalLine("maxusers %d", count)
}

func (h *History) SetTitle(title string) {
	h.title = title
	h.journalLine("title %s", encodeField(title))
}

func (h *History) SetFlags(f history.Flags) {
	h.flags = f
	h.journalLine("flags %s", encodeFlags(f))
}

func (h *History) SetAutoResetThreshold(limit uint64) {
	h.autoReset = limit
	h.journalLine("autoreset %d", limit)
}

func (h *History) EffectiveAutoResetThreshold() uint64 {
	return h.AutoResetThreshold() + h.AutoResetThresholdBase()
}

func (h *History) NextCatchupKey() int {
	key := history.IncrementCatchupKey(&h.nextCatchupKey)
	h.journalLine("catchup %d", h.nextCatchupKey)
	return key
}

func (h *History) AddAnnouncement(url string) {
	for _, existing := range h.announcements {
		if existing == url {
			return
		}
	}
	h.announcements = append(h.announcements, url)
	h.journalLine("announce %s", url)
}

func (h *History) RemoveAnnouncement(url string) {
	for i, existing := range h.announcements {
		if existing == url {
			h.announcements = append(h.announcements[:i], h.announcements[i+1:]...)
			h.journalLine("unannounce %s", url)
			return
		}
	}
}

func (h *History) Announcements() []string {
	return append([]string(nil), h.announcements...)
}

// GetBatch locates the block containing the message after the given index,
// loading it from disk when its cache has been evicted.
func (h *History) GetBatch(after int64) ([]protocol.Message, int64) {
	last := h.LastIndex()
	if after >= last || len(h.blocks) == 0 {
		return nil, last
	}
	idx := after + 1
	if idx < h.FirstIndex() {
		idx = h.FirstIndex()
	}

	bi := sort.Search(len(h.blocks), func(i int) bool {
		return h.blocks[i].startIndex > idx
	}) - 1
	if bi < 0 {
		return nil, last
	}
	b := &h.blocks[bi]
	if idx >= b.startIndex+int64(b.count) {
		return nil, last
	}
	if b.messages == nil {
		if h.recording == nil {
			return nil, last
		}
		if err := loadBlock(h.recording, b); err != nil {
			h.logger.Error("failed to load history block", "offset", b.startOffset, "error", err)
			return nil, last
		}
	}
	msgs := b.messages[idx-b.startIndex:]
	return append([]protocol.Message(nil), msgs...), b.startIndex + int64(b.count) - 1
}

// CleanupBatches drops the caches of closed blocks fully below the given
// index; they can be reloaded from disk if a late joiner needs them. In
// degraded mode caches are the only copy, so nothing is evicted.
func (h *History) CleanupBatches(before int64) {
	if h.degraded {
		return
	}
	for i := range h.blocks[:max(len(h.blocks)-1, 0)] {
		b := &h.blocks[i]
		if b.messages != nil && b.startIndex+int64(b.count) <= before {
			b.messages = nil
		}
	}
}

// CloseBlock finalizes the current block and opens a new one. Used around
// resets and checkpoints so a corrupted tail block cannot take prior history
// with it.
func (h *History) CloseBlock() {
	if len(h.blocks) == 0 {
		return
	}
	tail := &h.blocks[len(h.blocks)-1]
	if tail.count == 0 {
		return
	}
	if h.recording != nil {
		if err := h.recording.Sync(); err != nil {
			h.discardWriter("syncing recording", err)
			return
		}
	}
	h.blocks = append(h.blocks, block{
		startOffset: tail.endOffset,
		startIndex:  tail.startIndex + int64(tail.count),
		endOffset:   tail.endOffset,
	})
}

// Terminate finalizes the history. In archive mode the journal is renamed
// rather than deleted; otherwise all session files are removed.
func (h *History) Terminate() error {
	journalPath := filepath.Join(h.dir, JournalFilename(h.ID()))
	h.closeFiles()
	if h.archive {
		if err := os.Rename(journalPath, journalPath+".archived"); err != nil {
			return fmt.Errorf("archiving journal: %w", err)
		}
		return nil
	}
	var firstErr error
	for n := 0; n <= h.fileCount; n++ {
		path := filepath.Join(h.dir, recordingFilename(h.ID(), n))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.Remove(journalPath); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close flushes and closes the files without removing anything, for server
// shutdown of a persistent session.
func (h *History) Close() error {
	h.closeFiles()
	return nil
}

func (h *History) closeFiles() {
	if h.recording != nil {
		h.recording.Close()
		h.recording = nil
	}
	if h.journal != nil {
		h.journal.Close()
		h.journal = nil
	}
}

// Persistence hooks called by the embedded Log.

func (h *History) RecordMessage(msg protocol.Message) {
	size := int64(msg.Size())
	tail := &h.blocks[len(h.blocks)-1]
	if tail.endOffset-tail.startOffset >= maxBlockSize {
		h.CloseBlock()
		tail = &h.blocks[len(h.blocks)-1]
	}
	if h.recording != nil {
		if _, err := msg.WriteTo(h.recording); err != nil {
			h.discardWriter("writing message record", err)
		}
	}
	tail.count++
	tail.endOffset += size
	tail.messages = append(tail.messages, msg)
}

func (h *History) RecordReset(newHistory []protocol.Message) {
	h.fileCount++
	h.journalLine("file %d", h.fileCount)

	oldPath := filepath.Join(h.dir, recordingFilename(h.ID(), h.fileCount-1))
	if h.recording != nil {
		h.recording.Close()
		h.recording = nil
	}
	if !h.archive {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to remove superseded recording", "path", oldPath, "error", err)
		}
	}
	if err := h.openRecording(); err != nil {
		h.discardWriter("starting new recording", err)
	}
	for _, msg := range newHistory {
		h.RecordMessage(msg)
	}
}

func (h *History) RecordBanAdd(b history.Ban) {
	raw, err := json.Marshal(b)
	if err != nil {
		h.logger.Error("failed to encode ban entry", "error", err)
		return
	}
	h.journalLine("ban %s", encodeField(string(raw)))
}

func (h *History) RecordBanRemove(id int) {
	h.journalLine("unban %d", id)
}

func (h *History) RecordAuthOperator(authID string, op bool) {
	h.journalLine("op %s %s", authID, onOff(op))
}

func (h *History) RecordAuthTrust(authID string, trusted bool) {
	h.journalLine("trust %s %s", authID, onOff(trusted))
}

func (h *History) RecordAuthUsername(authID, username string) {
	h.journalLine("username %s %s", authID, encodeField(username))
}

func (h *History) RecordJoinUser(id uint8, name string) {
	h.journalLine("join %d %s", id, encodeField(name))
}

// openRecording creates the current recording file and resets the block
// index to a single empty block starting at the history's first live index.
func (h *History) openRecording() error {
	path := filepath.Join(h.dir, recordingFilename(h.ID(), h.fileCount))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("creating recording: %w", err)
	}
	if err := writeRecordingHeader(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	h.recording = f
	h.blocks = []block{{
		startOffset: recordingHeaderLen,
		startIndex:  h.FirstIndex(),
		endOffset:   recordingHeaderLen,
	}}
	return nil
}

// discardWriter drops the recording writer after an I/O error. The session
// continues serving from the block caches; the process is never taken down.
func (h *History) discardWriter(context string, err error) {
	h.logger.Error("history write failed, persistence degraded", "context", context, "error", err)
	if h.recording != nil {
		h.recording.Close()
		h.recording = nil
	}
	h.degraded = true
}

func (h *History) journalLine(format string, args ...any) {
	if h.journal == nil {
		return
	}
	if _, err := fmt.Fprintf(h.journal, format+"\n", args...); err != nil {
		h.logger.Error("journal write failed, persistence degraded", "error", err)
		h.journal.Close()
		h.journal = nil
		h.degraded = true
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func onOff(on bool) string {
	if on {
		return "1"
	}
	return "0"
}
