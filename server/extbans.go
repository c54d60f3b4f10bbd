package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"
)

// ExtBan is one entry from the external ban source: a shared list of known
// bad actors fetched from a central server.
type ExtBan struct {
	ID      int      `json:"id"`
	IPs     []string `json:"ips,omitempty"`
	Sids    []string `json:"sids,omitempty"`
	Expires string   `json:"expires,omitempty"`
	Reason  string   `json:"reason"`
}

type extBanResponse struct {
	Bans []ExtBan `json:"bans"`
}

// ExtBanList periodically fetches and caches the external ban list.
type ExtBanList struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu          sync.RWMutex
	bans        []ExtBan
	disabled    map[int]bool
	lastRefresh time.Time
	lastError   string
}

func NewExtBanList(url string, interval time.Duration, logger *slog.Logger) *ExtBanList {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &ExtBanList{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "extbans"),
		disabled: make(map[int]bool),
	}
}

// Refresh fetches the ban list once.
func (l *ExtBanList) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.noteError(err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ban list server returned %s", resp.Status)
		l.noteError(err)
		return err
	}
	var parsed extBanResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		l.noteError(err)
		return fmt.Errorf("parsing ban list: %w", err)
	}

	l.mu.Lock()
	l.bans = parsed.Bans
	l.lastRefresh = time.Now()
	l.lastError = ""
	l.mu.Unlock()
	l.logger.Info("refreshed external ban list", "entries", len(parsed.Bans))
	return nil
}

func (l *ExtBanList) noteError(err error) {
	l.mu.Lock()
	l.lastError = err.Error()
	l.mu.Unlock()
}

// Run refreshes immediately, then on the configured interval until the
// context ends.
func (l *ExtBanList) Run(ctx context.Context) {
	if err := l.Refresh(ctx); err != nil {
		l.logger.Warn("initial ban list fetch failed", "error", err)
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				l.logger.Warn("ban list refresh failed", "error", err)
			}
		}
	}
}

// Match checks an address and system id against the cached list. Entries
// may name exact addresses or CIDR prefixes.
func (l *ExtBanList) Match(ip, sid string) (string, bool) {
	addr, addrErr := netip.ParseAddr(ip)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ban := range l.bans {
		if l.disabled[ban.ID] {
			continue
		}
		for _, s := range ban.Sids {
			if sid != "" && s == sid {
				return ban.Reason, true
			}
		}
		if addrErr != nil {
			continue
		}
		for _, banned := range ban.IPs {
			if prefix, err := netip.ParsePrefix(banned); err == nil {
				if prefix.Contains(addr) {
					return ban.Reason, true
				}
			} else if bannedAddr, err := netip.ParseAddr(banned); err == nil && bannedAddr == addr {
				return ban.Reason, true
			}
		}
	}
	return "", false
}

// SetBanEnabled turns a single cached entry off or back on locally. The
// override survives refreshes.
func (l *ExtBanList) SetBanEnabled(id int, enabled bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	found := false
	for _, ban := range l.bans {
		if ban.ID == id {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if enabled {
		delete(l.disabled, id)
	} else {
		l.disabled[id] = true
	}
	return true
}

// List returns the cached entries with their local enabled state.
func (l *ExtBanList) List() []map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]map[string]any, 0, len(l.bans))
	for _, ban := range l.bans {
		out = append(out, map[string]any{
			"ban":     ban,
			"enabled": !l.disabled[ban.ID],
		})
	}
	return out
}

// Status describes the cache for the admin API.
func (l *ExtBanList) Status() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	status := map[string]any{
		"url":     l.url,
		"entries": len(l.bans),
	}
	if !l.lastRefresh.IsZero() {
		status["lastRefresh"] = l.lastRefresh
	}
	if l.lastError != "" {
		status["lastError"] = l.lastError
	}
	return status
}
