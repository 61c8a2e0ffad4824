package mountauth

import (
	"sync"
	"time"
)

// banEntry is a single IP ban with an optional expiry. A zero expiry means
// permanent, matching MountInfo.BanClient's "positive registers" case when
// no TTL is configured.
type banEntry struct {
	expires time.Time // zero = never
}

// IPBanList is the default IPBans implementation: an in-memory set of
// banned remote addresses with TTL-based expiry, swept lazily on lookup
// rather than by a background goroutine (grounded on the teacher's
// internal/auth lockout table, internal/auth/auth.go, which applies the
// same lazy-sweep-on-check discipline to login attempt counters).
type IPBanList struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]banEntry
}

// NewIPBanList builds a ban list whose entries expire after ttl. ttl <= 0
// means bans never expire until explicitly lifted.
func NewIPBanList(ttl time.Duration) *IPBanList {
	return &IPBanList{ttl: ttl, entries: make(map[string]banEntry)}
}

// Banned reports whether ip is currently banned, expiring (and removing)
// the entry first if its TTL has elapsed.
func (b *IPBanList) Banned(ip string) bool {
	b.mu.RLock()
	e, ok := b.entries[ip]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		b.mu.Lock()
		delete(b.entries, ip)
		b.mu.Unlock()
		return false
	}
	return true
}

// Ban registers ip, per MountInfo.BanClient > 0 (spec.md §3).
func (b *IPBanList) Ban(ip string) {
	var exp time.Time
	if b.ttl > 0 {
		exp = time.Now().Add(b.ttl)
	}
	b.mu.Lock()
	b.entries[ip] = banEntry{expires: exp}
	b.mu.Unlock()
}

// Lift removes any ban on ip, per MountInfo.BanClient < 0 and the
// FlagIPBanLift client flag.
func (b *IPBanList) Lift(ip string) {
	b.mu.Lock()
	delete(b.entries, ip)
	b.mu.Unlock()
}

// Len reports the number of currently tracked entries, including any not
// yet lazily expired. Exposed for admin stats and tests.
func (b *IPBanList) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
