// Package db provides the BBolt-backed server database: registered user
// accounts, address and system bans, the listing server whitelist,
// configuration overrides and the persistent server log.
package db

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/drawboard/config"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAccountExists = errors.New("account already exists")
	ErrBadPassword   = errors.New("incorrect password")
	ErrAccountLocked = errors.New("account is locked")
)

var (
	bucketConfig     = []byte("config")
	bucketAccounts   = []byte("accounts")
	bucketIPBans     = []byte("ipbans")
	bucketSystemBans = []byte("systembans")
	bucketUserBans   = []byte("userbans")
	bucketWhitelist  = []byte("whitelist")
	bucketLog        = []byte("log")
)

// Database wraps a BBolt database holding all durable server state that is
// not session history.
type Database struct {
	db *bbolt.DB
}

var _ config.Store = (*Database)(nil)

// Open opens (creating if necessary) the server database at path.
func Open(path string, options *bbolt.Options) (*Database, error) {
	bdb, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening server database: %w", err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketConfig, bucketAccounts, bucketIPBans, bucketSystemBans,
			bucketUserBans, bucketWhitelist, bucketLog,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("initializing server database: %w", err)
	}
	return &Database{db: bdb}, nil
}

// Close closes the underlying BBolt database.
func (d *Database) Close() error {
	return d.db.Close()
}

// GetConfigValue returns the stored override for a configuration key.
func (d *Database) GetConfigValue(key config.Key) (string, bool) {
	var value string
	var found bool
	d.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte(key.Name))
		if data != nil {
			value = string(data)
			found = true
		}
		return nil
	})
	return value, found
}

// SetConfigValue stores an override for a configuration key.
func (d *Database) SetConfigValue(key config.Key, value string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(key.Name), []byte(value))
	})
}
