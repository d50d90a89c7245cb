package ws

import (
	"sort"
	"sync"

	"github.com/mmuslimabdulj/shipper-chat/internal/domain"
)

// presenceEntry tracks one online user across all of their connections. An
// entry exists iff the conn set is non-empty.
type presenceEntry struct {
	email string
	conns map[string]struct{}
}

// Presence is the in-memory map of connected users to their live connection
// ids. It is the single piece of cross-connection shared state in the
// realtime core; every mutation is a plain in-memory operation under the lock
// so the 0->1 and 1->0 transitions are computed from a consistent view even
// when two tabs of the same user connect or drop at once.
type Presence struct {
	mu    sync.Mutex
	users map[string]*presenceEntry
}

// NewPresence creates an empty registry.
func NewPresence() *Presence {
	return &Presence{users: make(map[string]*presenceEntry)}
}

// Register records a connection for the user. Returns true iff the user had
// no connections immediately before this call (they just came online).
func (p *Presence) Register(userID, email, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok {
		entry = &presenceEntry{email: email, conns: make(map[string]struct{})}
		p.users[userID] = entry
	}
	newlyOnline := len(entry.conns) == 0
	entry.conns[connID] = struct{}{}
	return newlyOnline
}

// Deregister removes a connection for the user. Returns true iff this was the
// user's last connection (they just went offline). The entry itself is
// removed, not merely emptied.
func (p *Presence) Deregister(userID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok {
		return false
	}
	delete(entry.conns, connID)
	if len(entry.conns) > 0 {
		return false
	}
	delete(p.users, userID)
	return true
}

// Snapshot returns one row per online user. Sorted by user id for
// determinism; callers must not depend on the order.
func (p *Presence) Snapshot() []domain.OnlineUser {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.OnlineUser, 0, len(p.users))
	for id, entry := range p.users {
		out = append(out, domain.OnlineUser{UserID: id, Email: entry.email})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineCount returns the number of online users (not connections).
func (p *Presence) OnlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}
