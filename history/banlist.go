package history

// Ban is one in-session ban entry. A connecting client is rejected when any
// of its identifiers match: IP address, external auth id, or the
// client-reported system id.
type Ban struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	IP        string `json:"ip"`
	ExtAuthID string `json:"extAuthId,omitempty"`
	Sid       string `json:"sid,omitempty"`
	BannedBy  string `json:"bannedBy"`
}

// BanList holds a session's ban entries. Persisted as one consistency unit
// with the message log, so it must only be mutated through the owning
// History.
type BanList struct {
	entries []Ban
	nextID  int
}

// Entries returns a copy of the current ban entries.
func (bl *BanList) Entries() []Ban {
	return append([]Ban(nil), bl.entries...)
}

// Add appends a new entry unless an equivalent one already exists.
func (bl *BanList) Add(username, ip, extAuthID, sid, bannedBy string) (Ban, bool) {
	for _, b := range bl.entries {
		if bansSameIdentity(b, ip, extAuthID, sid) {
			return Ban{}, false
		}
	}
	bl.nextID++
	b := Ban{
		ID:        bl.nextID,
		Username:  username,
		IP:        ip,
		ExtAuthID: extAuthID,
		Sid:       sid,
		BannedBy:  bannedBy,
	}
	bl.entries = append(bl.entries, b)
	return b, true
}

// Restore reinstates a persisted entry, keeping the id counter ahead of it.
func (bl *BanList) Restore(b Ban) {
	if b.ID > bl.nextID {
		bl.nextID = b.ID
	}
	bl.entries = append(bl.entries, b)
}

// Remove deletes the entry with the given id, returning its username.
func (bl *BanList) Remove(id int) (string, bool) {
	for i, b := range bl.entries {
		if b.ID == id {
			bl.entries = append(bl.entries[:i], bl.entries[i+1:]...)
			return b.Username, true
		}
	}
	return "", false
}

// Matches reports whether any entry bans the given identity.
func (bl *BanList) Matches(ip, extAuthID, sid string) bool {
	for _, b := range bl.entries {
		if bansSameIdentity(b, ip, extAuthID, sid) {
			return true
		}
	}
	return false
}

func bansSameIdentity(b Ban, ip, extAuthID, sid string) bool {
	// An authenticated ban matches the account, not the address it happened
	// to connect from.
	if b.ExtAuthID != "" && extAuthID != "" {
		return b.ExtAuthID == extAuthID
	}
	if b.Sid != "" && sid != "" && b.Sid == sid {
		return true
	}
	return b.IP != "" && ip != "" && b.IP == ip
}
