package db

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/drawboard/internal/util"
)

// Account flags grant privileges to registered users.
const (
	FlagMod       = "MOD"       // moderator: can enter any session and is ban exempt
	FlagHost      = "HOST"      // may host even when guest hosting is off
	FlagPersist   = "PERSIST"   // may make sessions persistent
	FlagGhost     = "GHOST"     // joins invisibly (implies MOD)
	FlagWeb       = "WEB"       // may log in over WebSocket even when restricted
	FlagBanExempt = "BANEXEMPT" // session bans do not apply
)

// Account is a registered user in the server's own account database.
type Account struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"`
	Locked       bool     `json:"locked"`
	Flags        []string `json:"flags"`
}

// HasFlag reports whether the account carries the given flag. Flag names
// are case insensitive.
func (a Account) HasFlag(flag string) bool {
	for _, f := range a.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func accountKey(username string) []byte {
	return []byte(strings.ToLower(util.NormalizeName(username)))
}

// AddAccount registers a new account. The password is hashed before storage.
func (d *Database) AddAccount(username, password string, locked bool, flags []string) (Account, error) {
	hash, err := util.HashPassword(password)
	if err != nil {
		return Account{}, fmt.Errorf("hashing password: %w", err)
	}
	acct := Account{
		Username:     util.NormalizeName(username),
		PasswordHash: hash,
		Locked:       locked,
		Flags:        normalizeFlags(flags),
	}
	err = d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		key := accountKey(username)
		if b.Get(key) != nil {
			return fmt.Errorf("%s: %w", acct.Username, ErrAccountExists)
		}
		return putAccount(b, key, acct)
	})
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// UpdateAccount applies non-zero changes to an existing account. A nil
// locked or flags leaves the field alone; an empty newPassword keeps the
// old hash.
func (d *Database) UpdateAccount(username, newPassword string, locked *bool, flags []string) (Account, error) {
	var updated Account
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		key := accountKey(username)
		acct, err := getAccount(b, key)
		if err != nil {
			return err
		}
		if newPassword != "" {
			hash, err := util.HashPassword(newPassword)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			acct.PasswordHash = hash
		}
		if locked != nil {
			acct.Locked = *locked
		}
		if flags != nil {
			acct.Flags = normalizeFlags(flags)
		}
		updated = acct
		return putAccount(b, key, acct)
	})
	if err != nil {
		return Account{}, err
	}
	return updated, nil
}

// DeleteAccount removes an account.
func (d *Database) DeleteAccount(username string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		key := accountKey(username)
		if b.Get(key) == nil {
			return fmt.Errorf("%s: %w", username, ErrNotFound)
		}
		return b.Delete(key)
	})
}

// GetAccount looks up an account by username.
func (d *Database) GetAccount(username string) (Account, error) {
	var acct Account
	err := d.db.View(func(tx *bbolt.Tx) error {
		var err error
		acct, err = getAccount(tx.Bucket(bucketAccounts), accountKey(username))
		return err
	})
	return acct, err
}

// ListAccounts returns every registered account.
func (d *Database) ListAccounts() ([]Account, error) {
	var accounts []Account
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var rec accountRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			accounts = append(accounts, rec.account())
			return nil
		})
	})
	return accounts, err
}

// Authenticate checks a username and password against the account database.
// Returns ErrNotFound for unknown accounts, ErrBadPassword on mismatch and
// ErrAccountLocked when the account exists but is locked.
func (d *Database) Authenticate(username, password string) (Account, error) {
	acct, err := d.GetAccount(username)
	if err != nil {
		return Account{}, err
	}
	if !util.CheckPassword(password, acct.PasswordHash) {
		return Account{}, ErrBadPassword
	}
	if acct.Locked {
		return Account{}, ErrAccountLocked
	}
	return acct, nil
}

type accountRecord struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"passwordHash"`
	Locked       bool     `json:"locked"`
	Flags        []string `json:"flags"`
}

func (r accountRecord) account() Account {
	return Account{
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Locked:       r.Locked,
		Flags:        r.Flags,
	}
}

func getAccount(b *bbolt.Bucket, key []byte) (Account, error) {
	data := b.Get(key)
	if data == nil {
		return Account{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Account{}, err
	}
	return rec.account(), nil
}

func putAccount(b *bbolt.Bucket, key []byte, acct Account) error {
	data, err := json.Marshal(accountRecord{
		Username:     acct.Username,
		PasswordHash: acct.PasswordHash,
		Locked:       acct.Locked,
		Flags:        acct.Flags,
	})
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func normalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
