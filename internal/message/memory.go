package message

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/geo"
)

// MemoryStore keeps messages in process. Each room has its own lock so
// writers in different rooms never contend.
type MemoryStore struct {
	now   Clock
	mutex sync.Mutex
	rooms map[geo.RoomID]*roomLog
	index map[string]geo.RoomID
}

// roomLog holds one room's messages in insertion order.
type roomLog struct {
	mutex    sync.RWMutex
	messages []Message
	// set once the log has been unlinked from the store; writers must retry
	dead bool
}

func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:   now,
		rooms: make(map[geo.RoomID]*roomLog),
		index: make(map[string]geo.RoomID),
	}
}

func (s *MemoryStore) Insert(_ context.Context, msg Message) (Message, error) {
	if msg.RoomID == "" {
		return Message{}, fmt.Errorf("%w: missing room", chaterr.ErrInvalidMessage)
	}
	for {
		log := s.getOrCreateRoom(msg.RoomID)
		log.mutex.Lock()
		if log.dead {
			log.mutex.Unlock()
			continue
		}
		stored := stamp(msg, s.now())
		stored.ID = uuid.NewString()
		log.messages = append(log.messages, stored)
		log.mutex.Unlock()

		s.mutex.Lock()
		s.index[stored.ID] = stored.RoomID
		s.mutex.Unlock()
		return stored, nil
	}
}

func (s *MemoryStore) Recent(_ context.Context, room geo.RoomID, limit int) ([]Message, error) {
	log := s.getRoom(room)
	if log == nil || limit <= 0 {
		return []Message{}, nil
	}
	now := s.now()
	log.mutex.RLock()
	defer log.mutex.RUnlock()
	recent := make([]Message, 0, min(limit, len(log.messages)))
	for i := len(log.messages) - 1; i >= 0 && len(recent) < limit; i-- {
		if log.messages[i].Visible(now) {
			recent = append(recent, log.messages[i])
		}
	}
	slices.Reverse(recent)
	return recent, nil
}

func (s *MemoryStore) Delete(_ context.Context, id, requesterID string) error {
	s.mutex.Lock()
	room, ok := s.index[id]
	log := s.rooms[room]
	s.mutex.Unlock()
	if !ok || log == nil {
		return chaterr.ErrNotFound
	}

	log.mutex.Lock()
	idx := slices.IndexFunc(log.messages, func(m Message) bool { return m.ID == id })
	if idx < 0 || !log.messages[idx].Visible(s.now()) {
		log.mutex.Unlock()
		return chaterr.ErrNotFound
	}
	if log.messages[idx].AuthorID != requesterID {
		log.mutex.Unlock()
		return chaterr.ErrForbidden
	}
	log.messages = slices.Delete(log.messages, idx, idx+1)
	log.mutex.Unlock()

	s.mutex.Lock()
	delete(s.index, id)
	s.mutex.Unlock()
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context) (int, error) {
	s.mutex.Lock()
	logs := make(map[geo.RoomID]*roomLog, len(s.rooms))
	for id, log := range s.rooms {
		logs[id] = log
	}
	s.mutex.Unlock()

	now := s.now()
	removed := 0
	for room, log := range logs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		log.mutex.Lock()
		expired := lo.Filter(log.messages, func(m Message, _ int) bool { return !m.Visible(now) })
		if len(expired) == 0 && len(log.messages) > 0 {
			log.mutex.Unlock()
			continue
		}
		log.messages = lo.Filter(log.messages, func(m Message, _ int) bool { return m.Visible(now) })
		empty := len(log.messages) == 0
		if empty {
			log.dead = true
		}

		s.mutex.Lock()
		for _, m := range expired {
			delete(s.index, m.ID)
		}
		if empty && s.rooms[room] == log {
			delete(s.rooms, room)
		}
		s.mutex.Unlock()
		log.mutex.Unlock()
		removed += len(expired)
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// Rooms reports how many rooms currently hold messages.
func (s *MemoryStore) Rooms() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.rooms)
}

func (s *MemoryStore) getRoom(room geo.RoomID) *roomLog {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rooms[room]
}

func (s *MemoryStore) getOrCreateRoom(room geo.RoomID) *roomLog {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if log, exists := s.rooms[room]; exists {
		return log
	}
	log := &roomLog{}
	s.rooms[room] = log
	return log
}
