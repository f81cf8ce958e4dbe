package internal

import (
	"sync"
	"time"
)

type presenceEntry struct {
	sockets int
	since   time.Time
}

// PresenceTracker knows which users hold at least one open socket. A user
// with two tabs open stays online until both are gone.
type PresenceTracker struct {
	mu    sync.Mutex
	users map[string]*presenceEntry
	now   func() time.Time
}

func NewPresenceTracker(now func() time.Time) *PresenceTracker {
	if now == nil {
		now = time.Now
	}
	return &PresenceTracker{users: make(map[string]*presenceEntry), now: now}
}

// Connect records a new socket and reports whether the user just came online.
func (p *PresenceTracker) Connect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.users[userID]
	if !ok {
		p.users[userID] = &presenceEntry{sockets: 1, since: p.now()}
		return true
	}
	entry.sockets++
	return false
}

// Disconnect drops a socket and reports whether it was the user's last.
// Unknown users are ignored.
func (p *PresenceTracker) Disconnect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.users[userID]
	if !ok {
		return false
	}
	entry.sockets--
	if entry.sockets > 0 {
		return false
	}
	delete(p.users, userID)
	return true
}

func (p *PresenceTracker) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.users[userID]
	return ok
}

// OnlineSince returns when the user's current streak of open sockets began.
func (p *PresenceTracker) OnlineSince(userID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return entry.since, true
}

// ActiveCount is the number of distinct users online.
func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}
