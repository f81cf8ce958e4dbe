package internal

import (
	"encoding/json"
	"fmt"

	"github.com/saurav-co-de/chart/internal/geo"
	"github.com/saurav-co-de/chart/internal/session"
)

// Client to server event names. The underscore names are what older web
// clients emit.
const (
	inJoin           = "join"
	inJoinRoom       = "join_room"
	inLeave          = "leave"
	inLeaveRoom      = "leave_room"
	inSend           = "send"
	inSendMessage    = "send_message"
	inTyping         = "typing"
	inStopTyping     = "stop_typing"
	inStopTypingDash = "stop-typing"
)

// inbound is the envelope every client frame is decoded into.
type inbound struct {
	Type    string     `json:"type"`
	RoomID  geo.RoomID `json:"roomId"`
	Message string     `json:"message"`
}

// encodeEvent flattens an event into {"type": ..., "roomId": ..., <payload fields>}.
func encodeEvent(ev session.Event) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev.Type, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%s payload is not an object: %w", ev.Type, err)
		}
	}
	kind, _ := json.Marshal(ev.Type)
	fields["type"] = kind
	if ev.Room != "" {
		room, _ := json.Marshal(ev.Room)
		fields["roomId"] = room
	}
	return json.Marshal(fields)
}
