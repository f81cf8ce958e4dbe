package session

import (
	"sync"
	"time"

	"github.com/saurav-co-de/chart/internal/geo"
)

// EventType names a server to client event on the real-time channel.
type EventType string

const (
	EventRoomMessages   EventType = "room_messages"
	EventNewMessage     EventType = "new_message"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventUserTyping     EventType = "user_typing"
	EventUserStopTyping EventType = "user_stop_typing"
	EventError          EventType = "error"
)

// Event is routed to sessions. Payload is encoded by the transport.
type Event struct {
	Type    EventType
	Room    geo.RoomID
	Payload any

	// shared by every copy Broadcast hands out
	frame *encodedFrame
}

type encodedFrame struct {
	once sync.Once
	data []byte
	err  error
}

// Encode returns ev rendered by encode. Recipients of one Broadcast share a
// single rendering, so a room fan-out encodes once.
func (ev Event) Encode(encode func(Event) ([]byte, error)) ([]byte, error) {
	if ev.frame == nil {
		return encode(ev)
	}
	ev.frame.once.Do(func() {
		ev.frame.data, ev.frame.err = encode(ev)
	})
	return ev.frame.data, ev.frame.err
}

// PresencePayload is carried by user_joined and user_left.
type PresencePayload struct {
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingPayload is carried by user_typing and user_stop_typing.
type TypingPayload struct {
	Username string `json:"username"`
}

// ErrorPayload is sent only to the session that caused the error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Sink receives events for one connection. Deliver must not block; it
// reports false when the event was dropped.
type Sink interface {
	Deliver(Event) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) bool

func (f SinkFunc) Deliver(ev Event) bool { return f(ev) }

// Broadcast delivers ev to every session in members except skip and
// returns how many accepted it. A slow or gone recipient does not hold up
// the others.
func Broadcast(members []*Session, ev Event, skip Handle) int {
	if ev.frame == nil {
		ev.frame = &encodedFrame{}
	}
	delivered := 0
	for _, member := range members {
		if member.handle == skip {
			continue
		}
		if member.Deliver(ev) {
			delivered++
		}
	}
	return delivered
}
