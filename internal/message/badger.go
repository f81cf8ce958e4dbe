package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/geo"
)

const (
	messagePrefix = "msg:"
	indexPrefix   = "idx:"
)

// BadgerStore persists messages in BadgerDB. Entries carry a native TTL so
// Badger reclaims them on compaction even if the sweeper never runs.
//
// Keys are "msg:{room}:{created_at nanos, 19 digits}:{seq, 12 digits}" which
// sorts a room's messages in insertion order, and "idx:{id}" which points
// back at the message key for deletes.
type BadgerStore struct {
	db       *badger.DB
	now      Clock
	seq      atomic.Uint64
	inMemory bool
}

// OpenBadgerStore opens (or creates) a store at path. An empty path keeps
// everything in memory.
func OpenBadgerStore(path string, now Clock) (*BadgerStore, error) {
	if now == nil {
		now = time.Now
	}
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{log.With().Str("component", "badger").Logger()}).
		WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	store := &BadgerStore{db: db, now: now, inMemory: path == ""}
	store.seq.Store(uint64(time.Now().UnixNano() % 1e9))
	return store, nil
}

func (s *BadgerStore) Insert(ctx context.Context, msg Message) (Message, error) {
	if msg.RoomID == "" {
		return Message{}, fmt.Errorf("%w: missing room", chaterr.ErrInvalidMessage)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	stored := stamp(msg, s.now())
	stored.ID = uuid.NewString()
	key := messageKey(stored.RoomID, stored.CreatedAt, s.seq.Add(1))
	value, err := json.Marshal(stored)
	if err != nil {
		return Message{}, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(key, value).WithTTL(TTL)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(indexKey(stored.ID), key).WithTTL(TTL))
	})
	if err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}
	return stored, nil
}

func (s *BadgerStore) Recent(ctx context.Context, room geo.RoomID, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	recent := make([]Message, 0, limit)
	prefix := roomPrefix(room)
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		// start past the newest possible key of the room and walk back
		seek := append(slices.Clone(prefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(recent) < limit; it.Next() {
			var msg Message
			if err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &msg)
			}); err != nil {
				return err
			}
			if msg.Visible(now) {
				recent = append(recent, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", room, err)
	}
	slices.Reverse(recent)
	return recent, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id, requesterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ref, err := txn.Get(indexKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return chaterr.ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return chaterr.ErrNotFound
		}
		if err != nil {
			return err
		}
		var msg Message
		if err := item.Value(func(value []byte) error {
			return json.Unmarshal(value, &msg)
		}); err != nil {
			return err
		}
		if !msg.Visible(s.now()) {
			return chaterr.ErrNotFound
		}
		if msg.AuthorID != requesterID {
			return chaterr.ErrForbidden
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
}

func (s *BadgerStore) Expire(ctx context.Context) (int, error) {
	now := s.now()
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte(messagePrefix)
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg Message
			item := it.Item()
			if err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &msg)
			}); err != nil {
				return err
			}
			if !msg.Visible(now) {
				stale = append(stale, item.KeyCopy(nil), indexKey(msg.ID))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired: %w", err)
	}
	if len(stale) > 0 {
		batch := s.db.NewWriteBatch()
		defer batch.Cancel()
		for _, key := range stale {
			if err := batch.Delete(key); err != nil {
				return 0, err
			}
		}
		if err := batch.Flush(); err != nil {
			return 0, fmt.Errorf("delete expired: %w", err)
		}
	}
	if !s.inMemory {
		// keep collecting until badger reports there is nothing to rewrite
		for s.db.RunValueLogGC(0.5) == nil {
		}
	}
	return len(stale) / 2, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func roomPrefix(room geo.RoomID) []byte {
	return []byte(messagePrefix + string(room) + ":")
}

func messageKey(room geo.RoomID, at time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%012d", messagePrefix, room, at.UnixNano(), seq%1e12))
}

func indexKey(id string) []byte {
	return []byte(indexPrefix + id)
}

// badgerLogger routes badger's own logging through zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
