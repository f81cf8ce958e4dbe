// Package message stores chat messages for a fixed two hour window.
//
// Visibility is decided on every read by comparing the clock against
// ExpiresAt; the sweeper and the backend's own TTL only reclaim space.
package message

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/geo"
)

const (
	// TTL is how long a message stays visible after it is created.
	TTL = 2 * time.Hour
	// MaxBodyLength is counted in characters, not bytes.
	MaxBodyLength = 500
	// DefaultHistory is how many messages a joiner receives.
	DefaultHistory = 50
	// MaxHistory caps the limit a reader may ask for.
	MaxHistory = 100
)

// Message is immutable once the store has assigned its id.
type Message struct {
	ID         string       `json:"id"`
	AuthorID   string       `json:"userId"`
	AuthorName string       `json:"username"`
	Body       string       `json:"message"`
	RoomID     geo.RoomID   `json:"roomId"`
	Location   geo.Location `json:"location"`
	CreatedAt  time.Time    `json:"createdAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}

// Visible reports whether the message can still be read at now.
func (m Message) Visible(now time.Time) bool {
	return now.Before(m.ExpiresAt)
}

// Store is the ephemeral message store.
type Store interface {
	// Insert assigns ID, CreatedAt and ExpiresAt and persists the message.
	Insert(ctx context.Context, msg Message) (Message, error)
	// Recent returns up to limit visible messages of a room, oldest first.
	Recent(ctx context.Context, room geo.RoomID, limit int) ([]Message, error)
	// Delete removes a visible message on behalf of its author.
	Delete(ctx context.Context, id, requesterID string) error
	// Expire physically removes expired messages and reports how many.
	Expire(ctx context.Context) (int, error)
	Close() error
}

// Clock returns the current time. Stores take one so tests can move time.
type Clock func() time.Time

// NormalizeBody trims the body and enforces the length rules.
func NormalizeBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", fmt.Errorf("%w: message is empty", chaterr.ErrInvalidMessage)
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyLength {
		return "", fmt.Errorf("%w: message cannot exceed %d characters", chaterr.ErrInvalidMessage, MaxBodyLength)
	}
	return trimmed, nil
}

// ClampLimit turns a caller supplied limit into one the stores accept.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistory
	}
	if limit > MaxHistory {
		return MaxHistory
	}
	return limit
}

func stamp(msg Message, now time.Time) Message {
	msg.CreatedAt = now
	msg.ExpiresAt = now.Add(TTL)
	return msg
}
