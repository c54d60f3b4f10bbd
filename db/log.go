package db

import (
	"encoding/json"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// logPageSize caps how many entries a single query returns.
const logPageSize = 100

// LogEntry is one persisted server log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Topic     string    `json:"topic"`
	Session   string    `json:"session,omitempty"`
	User      string    `json:"user,omitempty"`
	Message   string    `json:"message"`
}

// LogQuery filters the persisted server log. Zero fields match everything.
type LogQuery struct {
	Session  string
	User     string
	Contains string
	After    time.Time
	Page     int
}

// InsertLogEntry appends an entry to the persistent server log.
func (d *Database) InsertLogEntry(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// QueryLogs returns matching log entries, newest first, one page at a time.
func (d *Database) QueryLogs(q LogQuery) ([]LogEntry, error) {
	var entries []LogEntry
	skip := q.Page * logPageSize
	err := d.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !matchesQuery(entry, q) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			entries = append(entries, entry)
			if len(entries) >= logPageSize {
				break
			}
		}
		return nil
	})
	return entries, err
}

// PurgeLogs deletes entries older than the given number of days and returns
// how many were removed.
func (d *Database) PurgeLogs(days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	removed := 0
	err := d.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Timestamp.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func matchesQuery(entry LogEntry, q LogQuery) bool {
	if q.Session != "" && entry.Session != q.Session {
		return false
	}
	if q.User != "" && entry.User != q.User {
		return false
	}
	if q.Contains != "" && !strings.Contains(strings.ToLower(entry.Message), strings.ToLower(q.Contains)) {
		return false
	}
	if !q.After.IsZero() && !entry.Timestamp.After(q.After) {
		return false
	}
	return true
}
