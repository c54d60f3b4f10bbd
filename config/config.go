// Package config holds the server's runtime-tunable settings. Every tunable
// is a named key with a string default; typed accessors parse on read so a
// bad stored value falls back to the default instead of failing.
package config

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Key identifies one server setting.
type Key struct {
	Name    string
	Default string
}

// Server settings. Durations are in seconds, sizes in bytes.
var (
	ClientTimeout          = Key{"clientTimeout", "60"}
	IdleTimeLimit          = Key{"idleTimeLimit", "0"}
	SessionSizeLimit       = Key{"sessionSizeLimit", "104857600"}
	AutoresetThreshold     = Key{"autoresetThreshold", "15728640"}
	SessionCountLimit      = Key{"sessionCountLimit", "25"}
	SessionUserLimit       = Key{"sessionUserLimit", "254"}
	EnablePersistence      = Key{"persistence", "false"}
	ArchiveMode            = Key{"archive", "false"}
	ServerTitle            = Key{"serverTitle", ""}
	WelcomeMessage         = Key{"welcomeMessage", ""}
	PrivateUserList        = Key{"privateUserList", "false"}
	AllowGuests            = Key{"allowGuests", "true"}
	AllowGuestHosts        = Key{"allowGuestHosts", "true"}
	MinimumProtocolVersion = Key{"minimumProtocol", ""}
	MandatoryLookup        = Key{"mandatoryLookup", "false"}
	ForceNsfm              = Key{"forceNsfm", "false"}
	EmptySessionLingerTime = Key{"emptySessionLingerTime", "0"}
	LogPurgeDays           = Key{"logpurgedays", "0"}

	UseExtAuth      = Key{"extauth", "false"}
	ExtAuthKey      = Key{"extauthkey", ""}
	ExtAuthFallback = Key{"extauthfallback", "true"}
	ExtAuthMod      = Key{"extauthmod", "true"}
	ExtAuthHost     = Key{"extauthhost", "true"}

	ExtBansURL           = Key{"extbansurl", ""}
	ExtBansCheckInterval = Key{"extbanscheckinterval", "3600"}

	AnnounceWhitelist = Key{"announcewhitelist", "false"}
)

// Keys lists every setting exposed through the admin API.
func Keys() []Key {
	return []Key{
		ClientTimeout, IdleTimeLimit, SessionSizeLimit, AutoresetThreshold,
		SessionCountLimit, SessionUserLimit, EnablePersistence, ArchiveMode,
		ServerTitle, WelcomeMessage, PrivateUserList, AllowGuests,
		AllowGuestHosts, MinimumProtocolVersion, MandatoryLookup, ForceNsfm,
		EmptySessionLingerTime, LogPurgeDays, UseExtAuth, ExtAuthKey,
		ExtAuthFallback, ExtAuthMod, ExtAuthHost, ExtBansURL,
		ExtBansCheckInterval, AnnounceWhitelist,
	}
}

// Store abstracts where setting overrides live so they can be kept in memory
// (defaults, tests) or in the server database.
type Store interface {
	// GetConfigValue returns the stored override for a key, if any.
	GetConfigValue(key Key) (string, bool)
	// SetConfigValue stores an override for a key.
	SetConfigValue(key Key, value string) error
}

// MemoryStore is a Store holding overrides in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) GetConfigValue(key Key) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key.Name]
	return v, ok
}

func (s *MemoryStore) SetConfigValue(key Key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key.Name] = value
	return nil
}

// Config reads typed settings from a Store, falling back to defaults.
type Config struct {
	store Store
}

func New(store Store) *Config {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Config{store: store}
}

func (c *Config) GetString(key Key) string {
	if v, ok := c.store.GetConfigValue(key); ok {
		return v
	}
	return key.Default
}

func (c *Config) GetInt(key Key) int {
	n, err := strconv.Atoi(c.GetString(key))
	if err != nil {
		n, _ = strconv.Atoi(key.Default)
	}
	return n
}

func (c *Config) GetUint64(key Key) uint64 {
	n, err := strconv.ParseUint(c.GetString(key), 10, 64)
	if err != nil {
		n, _ = strconv.ParseUint(key.Default, 10, 64)
	}
	return n
}

func (c *Config) GetBool(key Key) bool {
	switch strings.ToLower(c.GetString(key)) {
	case "true", "1", "on", "yes":
		return true
	default:
		return false
	}
}

// GetDuration interprets the stored value as a number of seconds.
func (c *Config) GetDuration(key Key) time.Duration {
	return time.Duration(c.GetInt(key)) * time.Second
}

func (c *Config) SetValue(key Key, value string) error {
	return c.store.SetConfigValue(key, value)
}
