// Package session tracks live real-time connections and the room each one
// has joined. The Registry is the only owner of Session state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/geo"
)

// Handle identifies one live connection.
type Handle string

func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// Identity is the verified principal behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// Directory resolves a verified user id to the principal it names.
type Directory interface {
	Principal(ctx context.Context, userID string) (Identity, error)
}

// Session is one connection's server-side state.
type Session struct {
	handle   Handle
	identity Identity
	sink     Sink

	// mutex orders join, leave and close for this session
	mutex  sync.Mutex
	room   geo.RoomID
	closed bool

	lastActive atomic.Int64
}

func (s *Session) Handle() Handle { return s.handle }

func (s *Session) Identity() Identity { return s.identity }

// Room returns the joined room, or "" when the session is room-less.
func (s *Session) Room() geo.RoomID {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.room
}

// LastActive is the last time the session joined, left, sent or signalled.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) Touch(at time.Time) {
	s.lastActive.Store(at.UnixNano())
}

// Deliver hands ev to the connection without blocking.
func (s *Session) Deliver(ev Event) bool {
	return s.sink.Deliver(ev)
}

// JoinResult describes what a Join changed.
type JoinResult struct {
	Previous geo.RoomID
	Changed  bool
}

// Registry tracks sessions and per-room membership. The registry lock only
// guards the maps; each room's member set has its own lock.
type Registry struct {
	directory Directory
	now       func() time.Time

	mutex    sync.RWMutex
	sessions map[Handle]*Session
	rooms    map[geo.RoomID]*members
}

type members struct {
	mutex    sync.RWMutex
	sessions map[Handle]*Session
	// set once unlinked from the registry; writers must retry
	dead bool
}

func NewRegistry(directory Directory, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		directory: directory,
		now:       now,
		sessions:  make(map[Handle]*Session),
		rooms:     make(map[geo.RoomID]*members),
	}
}

// Open registers a room-less session for userID. It fails with
// ErrAuthenticationFailed when the principal does not exist.
func (r *Registry) Open(ctx context.Context, handle Handle, userID string, sink Sink) (*Session, error) {
	if handle == "" || sink == nil {
		return nil, fmt.Errorf("open session: handle and sink are required")
	}
	if userID == "" {
		return nil, chaterr.ErrAuthenticationFailed
	}
	identity, err := r.directory.Principal(ctx, userID)
	if err != nil {
		if errors.Is(err, chaterr.ErrAuthenticationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", chaterr.ErrAuthenticationFailed, err)
	}
	if identity.UserID == "" {
		return nil, chaterr.ErrAuthenticationFailed
	}

	session := &Session{handle: handle, identity: identity, sink: sink}
	session.Touch(r.now())

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.sessions[handle]; exists {
		return nil, fmt.Errorf("%w: %s", chaterr.ErrSessionExists, handle)
	}
	r.sessions[handle] = session
	return session, nil
}

// Join moves the session into room. Leaving the previous room notifies its
// remaining members; arriving notifies the new room's other members. Joining
// the current room changes nothing.
func (r *Registry) Join(handle Handle, room geo.RoomID) (JoinResult, error) {
	room, err := geo.ParseRoomID(string(room))
	if err != nil {
		return JoinResult{}, err
	}
	session, err := r.lookup(handle)
	if err != nil {
		return JoinResult{}, err
	}

	session.mutex.Lock()
	if session.closed {
		session.mutex.Unlock()
		return JoinResult{}, fmt.Errorf("%w: %s", chaterr.ErrSessionClosed, handle)
	}
	if session.room == room {
		session.mutex.Unlock()
		return JoinResult{Previous: room}, nil
	}
	previous := session.room
	var remaining []*Session
	if previous != "" {
		remaining = r.removeMember(previous, session)
	}
	others := r.addMember(room, session)
	session.room = room
	at := r.now()
	session.Touch(at)
	session.mutex.Unlock()

	if previous != "" {
		Broadcast(remaining, r.presence(EventUserLeft, previous, session, at), handle)
	}
	Broadcast(others, r.presence(EventUserJoined, room, session, at), handle)
	return JoinResult{Previous: previous, Changed: true}, nil
}

// Leave takes the session out of its room. It is a no-op when the session
// has no room.
func (r *Registry) Leave(handle Handle) error {
	session, err := r.lookup(handle)
	if err != nil {
		return err
	}
	session.mutex.Lock()
	if session.closed {
		session.mutex.Unlock()
		return fmt.Errorf("%w: %s", chaterr.ErrSessionClosed, handle)
	}
	r.departLocked(session)
	return nil
}

// LeaveRoom takes the session out of room only when that is the room it is
// in, and reports whether it left. A stale leave for a room the session has
// already moved away from changes nothing.
func (r *Registry) LeaveRoom(handle Handle, room geo.RoomID) (bool, error) {
	room, err := geo.ParseRoomID(string(room))
	if err != nil {
		return false, err
	}
	session, err := r.lookup(handle)
	if err != nil {
		return false, err
	}
	session.mutex.Lock()
	if session.closed {
		session.mutex.Unlock()
		return false, fmt.Errorf("%w: %s", chaterr.ErrSessionClosed, handle)
	}
	if session.room != room {
		session.mutex.Unlock()
		return false, nil
	}
	r.departLocked(session)
	return true, nil
}

// Close releases the session. The departure from its room, if any, is
// announced exactly once even when Leave or LeaveRoom already ran. Closing a
// handle that is not open returns ErrSessionClosed.
func (r *Registry) Close(handle Handle) error {
	r.mutex.Lock()
	session, ok := r.sessions[handle]
	delete(r.sessions, handle)
	r.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", chaterr.ErrSessionClosed, handle)
	}

	session.mutex.Lock()
	session.closed = true
	r.departLocked(session)
	return nil
}

// departLocked removes session from its room and unlocks it before
// notifying the room.
func (r *Registry) departLocked(session *Session) {
	previous := session.room
	if previous == "" {
		session.mutex.Unlock()
		return
	}
	remaining := r.removeMember(previous, session)
	session.room = ""
	at := r.now()
	session.Touch(at)
	session.mutex.Unlock()
	Broadcast(remaining, r.presence(EventUserLeft, previous, session, at), session.handle)
}

// MembersOf returns a snapshot of the sessions joined to room. Joins and
// leaves that completed before the call are reflected.
func (r *Registry) MembersOf(room geo.RoomID) []*Session {
	r.mutex.RLock()
	m := r.rooms[room]
	r.mutex.RUnlock()
	if m == nil {
		return nil
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return lo.Values(m.sessions)
}

// IsMember reports whether the session is currently joined to room.
func (r *Registry) IsMember(handle Handle, room geo.RoomID) (bool, error) {
	session, err := r.lookup(handle)
	if err != nil {
		return false, err
	}
	return session.Room() == room, nil
}

// Session returns the open session for handle.
func (r *Registry) Session(handle Handle) (*Session, error) {
	return r.lookup(handle)
}

// Now reads the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

// LastActivity is the most recent LastActive across open sessions, or the
// zero time when none are open.
func (r *Registry) LastActivity() time.Time {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var latest time.Time
	for _, session := range r.sessions {
		if at := session.LastActive(); at.After(latest) {
			latest = at
		}
	}
	return latest
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// RoomSize returns the number of sessions joined to room.
func (r *Registry) RoomSize(room geo.RoomID) int {
	return len(r.MembersOf(room))
}

func (r *Registry) lookup(handle Handle) (*Session, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	session, ok := r.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chaterr.ErrUnknownSession, handle)
	}
	return session, nil
}

// addMember inserts session into room and returns the members that were
// already there.
func (r *Registry) addMember(room geo.RoomID, session *Session) []*Session {
	for {
		m := r.getOrCreateRoom(room)
		m.mutex.Lock()
		if m.dead {
			m.mutex.Unlock()
			continue
		}
		others := lo.Values(m.sessions)
		m.sessions[session.handle] = session
		m.mutex.Unlock()
		return others
	}
}

// removeMember drops session from room and returns who is left. An emptied
// room is unlinked so the map does not grow without bound.
func (r *Registry) removeMember(room geo.RoomID, session *Session) []*Session {
	r.mutex.RLock()
	m := r.rooms[room]
	r.mutex.RUnlock()
	if m == nil {
		return nil
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, session.handle)
	if len(m.sessions) == 0 {
		m.dead = true
		r.mutex.Lock()
		if r.rooms[room] == m {
			delete(r.rooms, room)
		}
		r.mutex.Unlock()
		return nil
	}
	return lo.Values(m.sessions)
}

func (r *Registry) getOrCreateRoom(room geo.RoomID) *members {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if m, exists := r.rooms[room]; exists {
		return m
	}
	m := &members{sessions: make(map[Handle]*Session)}
	r.rooms[room] = m
	return m
}

func (r *Registry) presence(kind EventType, room geo.RoomID, session *Session, at time.Time) Event {
	return Event{
		Type:    kind,
		Room:    room,
		Payload: PresencePayload{Username: session.identity.Username, Timestamp: at},
	}
}
