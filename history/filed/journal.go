package filed

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/drawboard/history"
	"github.com/jmcleod/drawboard/protocol"
)

// The journal is a line-oriented text file of "verb args..." entries applied
// in order; later entries override earlier ones. Free-form strings are
// base64-encoded so the format stays line- and space-delimited.

func encodeField(s string) string {
	if s == "" {
		return "-"
	}
	return base64.RawStdEncoding.EncodeToString([]byte(s))
}

func decodeField(s string) (string, error) {
	if s == "-" {
		return "", nil
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("bad journal field %q: %w", s, err)
	}
	return string(b), nil
}

func encodeFlags(f history.Flags) string {
	var names []string
	for _, fl := range []struct {
		flag history.Flag
		name string
	}{
		{history.Persistent, "persistent"},
		{history.PreserveChat, "preservechat"},
		{history.Nsfm, "nsfm"},
		{history.Deputies, "deputies"},
		{history.AuthOnly, "authonly"},
		{history.IdleOverride, "idleoverride"},
		{history.AllowWeb, "allowweb"},
	} {
		if f.Has(fl.flag) {
			names = append(names, fl.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

func decodeFlags(s string) history.Flags {
	var f history.Flags
	if s == "-" {
		return f
	}
	for _, name := range strings.Split(s, ",") {
		switch name {
		case "persistent":
			f = f.With(history.Persistent, true)
		case "preservechat":
			f = f.With(history.PreserveChat, true)
		case "nsfm":
			f = f.With(history.Nsfm, true)
		case "deputies":
			f = f.With(history.Deputies, true)
		case "authonly":
			f = f.With(history.AuthOnly, true)
		case "idleoverride":
			f = f.With(history.IdleOverride, true)
		case "allowweb":
			f = f.With(history.AllowWeb, true)
		}
	}
	return f
}

// journalState is everything a journal replay reconstructs.
type journalState struct {
	version       protocol.ProtocolVersion
	alias         string
	founder       string
	title         string
	password      string
	opword        string
	maxUsers      int
	autoReset     uint64
	flags         history.Flags
	catchupKey    int
	fileCount     int
	announcements []string
	bans          []history.Ban
	authOps       []string
	authTrusted   []string
	authUsernames map[string]string
	joinedUsers   map[uint8]string
	started       time.Time
}

func (st *journalState) startTime() time.Time { return st.started }

func replayJournal(r io.Reader) (*journalState, error) {
	st := &journalState{
		maxUsers:      254,
		authUsernames: make(map[string]string),
		joinedUsers:   make(map[uint8]string),
	}
	ops := make(map[string]struct{})
	trusted := make(map[string]struct{})
	announcements := make(map[string]struct{})
	var announceOrder []string
	bans := make(map[int]history.Ban)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		if err := st.apply(verb, rest, ops, trusted, announcements, &announceOrder, bans); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", lineno, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	if !st.version.IsValid() {
		return nil, fmt.Errorf("journal has no protocol version")
	}

	for id := range ops {
		st.authOps = append(st.authOps, id)
	}
	for id := range trusted {
		st.authTrusted = append(st.authTrusted, id)
	}
	for _, url := range announceOrder {
		if _, ok := announcements[url]; ok {
			st.announcements = append(st.announcements, url)
		}
	}
	for _, b := range bans {
		st.bans = append(st.bans, b)
	}
	return st, nil
}

func (st *journalState) apply(verb, rest string, ops, trusted map[string]struct{},
	announcements map[string]struct{}, announceOrder *[]string, bans map[int]history.Ban) error {
	switch verb {
	case "version":
		v, err := protocol.ParseProtocolVersion(rest)
		if err != nil {
			return err
		}
		st.version = v
	case "started":
		t, err := time.Parse(time.RFC3339, rest)
		if err != nil {
			return fmt.Errorf("bad start time: %w", err)
		}
		st.started = t
	case "alias":
		st.alias = rest
	case "founder":
		name, err := decodeField(rest)
		if err != nil {
			return err
		}
		st.founder = name
	case "title":
		title, err := decodeField(rest)
		if err != nil {
			return err
		}
		st.title = title
	case "password":
		if rest == "-" {
			st.password = ""
		} else {
			st.password = rest
		}
	case "opword":
		if rest == "-" {
			st.opword = ""
		} else {
			st.opword = rest
		}
	case "maxusers":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("bad maxusers: %w", err)
		}
		st.maxUsers = n
	case "autoreset":
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return fmt.Errorf("bad autoreset: %w", err)
		}
		st.autoReset = n
	case "flags":
		st.flags = decodeFlags(rest)
	case "catchup":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("bad catchup key: %w", err)
		}
		st.catchupKey = n
	case "file":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("bad file number: %w", err)
		}
		st.fileCount = n
	case "announce":
		if _, ok := announcements[rest]; !ok {
			announcements[rest] = struct{}{}
			*announceOrder = append(*announceOrder, rest)
		}
	case "unannounce":
		delete(announcements, rest)
	case "ban":
		raw, err := decodeField(rest)
		if err != nil {
			return err
		}
		var b history.Ban
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return fmt.Errorf("bad ban entry: %w", err)
		}
		bans[b.ID] = b
	case "unban":
		id, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("bad unban id: %w", err)
		}
		delete(bans, id)
	case "op", "trust":
		authID, state, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("bad %s entry", verb)
		}
		set := ops
		if verb == "trust" {
			set = trusted
		}
		if state == "1" {
			set[authID] = struct{}{}
		} else {
			delete(set, authID)
		}
	case "username":
		authID, encoded, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("bad username entry")
		}
		name, err := decodeField(encoded)
		if err != nil {
			return err
		}
		st.authUsernames[authID] = name
	case "join":
		idStr, encoded, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("bad join entry")
		}
		id, err := strconv.Atoi(idStr)
		if err != nil || id < 1 || id > 255 {
			return fmt.Errorf("bad join user id %q", idStr)
		}
		name, err := decodeField(encoded)
		if err != nil {
			return err
		}
		st.joinedUsers[uint8(id)] = name
	default:
		// Unknown verbs are skipped so older servers can open journals
		// written by newer ones.
	}
	return nil
}
