package internal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saurav-co-de/chart/internal/session"
)

func TestEncodeEventFlattensPayload(t *testing.T) {
	raw, err := encodeEvent(session.Event{
		Type:    session.EventUserTyping,
		Room:    "room_10_-5",
		Payload: session.TypingPayload{Username: "ursula"},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, map[string]any{
		"type":     "user_typing",
		"roomId":   "room_10_-5",
		"username": "ursula",
	}, got)
}

func TestEncodeEventWithoutRoom(t *testing.T) {
	raw, err := encodeEvent(session.Event{
		Type:    session.EventError,
		Payload: session.ErrorPayload{Message: "location not set"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"error","message":"location not set"}`, string(raw))
}

func TestEncodeEventRejectsScalarPayload(t *testing.T) {
	_, err := encodeEvent(session.Event{Type: session.EventError, Payload: "oops"})
	require.Error(t, err)
}
