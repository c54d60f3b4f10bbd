package db

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"go.etcd.io/bbolt"
)

// IPBan blocks logins from an address or subnet until it expires. A zero
// Expires never expires.
type IPBan struct {
	ID      uint64    `json:"id"`
	IP      string    `json:"ip"`
	Subnet  int       `json:"subnet"`
	Expires time.Time `json:"expires"`
	Comment string    `json:"comment"`
	Added   time.Time `json:"added"`
}

// SystemBan blocks logins carrying a given client signature id.
type SystemBan struct {
	ID      uint64    `json:"id"`
	Sid     string    `json:"sid"`
	Expires time.Time `json:"expires"`
	Comment string    `json:"comment"`
	Reason  string    `json:"reason"`
	Added   time.Time `json:"added"`
}

// UserBan blocks logins by a specific external auth account.
type UserBan struct {
	ID      uint64    `json:"id"`
	UserID  int64     `json:"userId"`
	Expires time.Time `json:"expires"`
	Comment string    `json:"comment"`
	Reason  string    `json:"reason"`
	Added   time.Time `json:"added"`
}

func banActive(expires time.Time) bool {
	return expires.IsZero() || time.Now().Before(expires)
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// AddIPBan bans an address, or a whole subnet when subnet > 0.
func (d *Database) AddIPBan(ip string, subnet int, expires time.Time, comment string) (IPBan, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return IPBan{}, fmt.Errorf("parsing ban address: %w", err)
	}
	if subnet < 0 || subnet > addr.BitLen() {
		return IPBan{}, fmt.Errorf("invalid subnet prefix length %d", subnet)
	}
	ban := IPBan{IP: addr.String(), Subnet: subnet, Expires: expires, Comment: comment, Added: time.Now()}
	err = d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIPBans)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ban.ID = seq
		data, err := json.Marshal(ban)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return IPBan{}, err
	}
	return ban, nil
}

// DeleteIPBan removes an address ban by id.
func (d *Database) DeleteIPBan(id uint64) error {
	return deleteBan(d.db, bucketIPBans, id)
}

// ListIPBans returns all address bans, including expired ones.
func (d *Database) ListIPBans() ([]IPBan, error) {
	var bans []IPBan
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIPBans).ForEach(func(_, v []byte) error {
			var ban IPBan
			if err := json.Unmarshal(v, &ban); err != nil {
				return err
			}
			bans = append(bans, ban)
			return nil
		})
	})
	return bans, err
}

// IsAddressBanned reports whether the address matches any active ban.
func (d *Database) IsAddressBanned(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	bans, err := d.ListIPBans()
	if err != nil {
		return false
	}
	for _, ban := range bans {
		if !banActive(ban.Expires) {
			continue
		}
		banAddr, err := netip.ParseAddr(ban.IP)
		if err != nil {
			continue
		}
		if ban.Subnet > 0 {
			prefix, err := banAddr.Prefix(ban.Subnet)
			if err == nil && prefix.Contains(addr) {
				return true
			}
		} else if banAddr == addr {
			return true
		}
	}
	return false
}

// AddSystemBan bans a client signature id.
func (d *Database) AddSystemBan(sid string, expires time.Time, comment, reason string) (SystemBan, error) {
	ban := SystemBan{Sid: sid, Expires: expires, Comment: comment, Reason: reason, Added: time.Now()}
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSystemBans)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ban.ID = seq
		data, err := json.Marshal(ban)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return SystemBan{}, err
	}
	return ban, nil
}

// DeleteSystemBan removes a system ban by id.
func (d *Database) DeleteSystemBan(id uint64) error {
	return deleteBan(d.db, bucketSystemBans, id)
}

// ListSystemBans returns all system bans.
func (d *Database) ListSystemBans() ([]SystemBan, error) {
	var bans []SystemBan
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSystemBans).ForEach(func(_, v []byte) error {
			var ban SystemBan
			if err := json.Unmarshal(v, &ban); err != nil {
				return err
			}
			bans = append(bans, ban)
			return nil
		})
	})
	return bans, err
}

// SystemBanFor returns the active ban matching a signature id, if any.
func (d *Database) SystemBanFor(sid string) (SystemBan, bool) {
	if sid == "" {
		return SystemBan{}, false
	}
	bans, err := d.ListSystemBans()
	if err != nil {
		return SystemBan{}, false
	}
	for _, ban := range bans {
		if ban.Sid == sid && banActive(ban.Expires) {
			return ban, true
		}
	}
	return SystemBan{}, false
}

// AddUserBan bans an external auth account by its numeric user id.
func (d *Database) AddUserBan(userID int64, expires time.Time, comment, reason string) (UserBan, error) {
	ban := UserBan{UserID: userID, Expires: expires, Comment: comment, Reason: reason, Added: time.Now()}
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUserBans)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ban.ID = seq
		data, err := json.Marshal(ban)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return UserBan{}, err
	}
	return ban, nil
}

// DeleteUserBan removes a user ban by id.
func (d *Database) DeleteUserBan(id uint64) error {
	return deleteBan(d.db, bucketUserBans, id)
}

// ListUserBans returns all user bans.
func (d *Database) ListUserBans() ([]UserBan, error) {
	var bans []UserBan
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUserBans).ForEach(func(_, v []byte) error {
			var ban UserBan
			if err := json.Unmarshal(v, &ban); err != nil {
				return err
			}
			bans = append(bans, ban)
			return nil
		})
	})
	return bans, err
}

// UserBanFor returns the active ban matching an external auth user id, if any.
func (d *Database) UserBanFor(userID int64) (UserBan, bool) {
	bans, err := d.ListUserBans()
	if err != nil {
		return UserBan{}, false
	}
	for _, ban := range bans {
		if ban.UserID == userID && banActive(ban.Expires) {
			return ban, true
		}
	}
	return UserBan{}, false
}

func deleteBan(db *bbolt.DB, bucket []byte, id uint64) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		key := sequenceKey(id)
		if b.Get(key) == nil {
			return fmt.Errorf("ban %d: %w", id, ErrNotFound)
		}
		return b.Delete(key)
	})
}

// SetListServerWhitelist replaces the allowed listing server URLs.
func (d *Database) SetListServerWhitelist(urls []string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketWhitelist); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketWhitelist)
		if err != nil {
			return err
		}
		for _, u := range urls {
			if err := b.Put([]byte(u), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListServerWhitelist returns the allowed listing server URLs.
func (d *Database) ListServerWhitelist() ([]string, error) {
	var urls []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWhitelist).ForEach(func(k, _ []byte) error {
			urls = append(urls, string(k))
			return nil
		})
	})
	return urls, err
}

// IsWhitelistedURL reports whether a listing server URL is on the whitelist.
func (d *Database) IsWhitelistedURL(url string) bool {
	urls, err := d.ListServerWhitelist()
	if err != nil {
		return false
	}
	for _, u := range urls {
		if u == url {
			return true
		}
	}
	return false
}
