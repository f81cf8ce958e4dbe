package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxMsgSize   = 8192
	sendQueueLen = 256
)

const rateLimitNotice = "You're sending messages too quickly. Please wait a moment and try again."

// Client owns one websocket connection. Events reach it through Deliver and
// leave through the write pump; nothing else writes to the connection.
type Client struct {
	server  *Server
	conn    *websocket.Conn
	handle  session.Handle
	userID  string
	logger  zerolog.Logger
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(server *Server, conn *websocket.Conn, handle session.Handle, userID string) *Client {
	return &Client{
		server:  server,
		conn:    conn,
		handle:  handle,
		userID:  userID,
		logger:  server.logger.With().Str("session", string(handle)).Str("user_id", userID).Logger(),
		limiter: rate.NewLimiter(server.sendRate, server.sendBurst),
		send:    make(chan []byte, sendQueueLen),
		done:    make(chan struct{}),
	}
}

// Deliver queues ev without blocking. A client whose queue is full is too
// slow to keep up and is disconnected.
func (client *Client) Deliver(ev session.Event) bool {
	payload, err := ev.Encode(encodeEvent)
	if err != nil {
		client.logger.Error().Err(err).Msg("encode event")
		return false
	}
	select {
	case <-client.done:
		return false
	default:
	}
	select {
	case client.send <- payload:
		return true
	default:
		client.logger.Warn().Str("event", string(ev.Type)).Msg("send queue full, disconnecting")
		client.shutdown()
		return false
	}
}

// shutdown asks the write pump to close the connection. Safe to call more
// than once.
func (client *Client) shutdown() {
	client.closeOnce.Do(func() { close(client.done) })
}

func (client *Client) readPump() {
	defer func() {
		client.shutdown()
		_ = client.conn.Close()
		client.server.release(client)
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.logger.Debug().Err(err).Msg("read")
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(payload, &in); err != nil {
			client.reject(chaterr.ErrInvalidMessage, "Invalid message data")
			continue
		}
		client.dispatch(in)
	}
}

func (client *Client) dispatch(in inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	pipeline := client.server.pipeline

	switch in.Type {
	case inJoin, inJoinRoom:
		if _, err := pipeline.Join(ctx, client.handle, in.RoomID); err != nil {
			client.reject(err, "Failed to join room")
		}
	case inLeave, inLeaveRoom:
		if err := pipeline.Leave(client.handle, in.RoomID); err != nil {
			client.reject(err, "Failed to leave room")
		}
	case inSend, inSendMessage:
		if !client.limiter.Allow() {
			client.reject(chaterr.ErrRateLimited, rateLimitNotice)
			return
		}
		if _, err := pipeline.Send(ctx, client.handle, in.Message, in.RoomID); err != nil {
			client.reject(err, "Failed to send message")
		}
	case inTyping:
		if err := pipeline.Signal(client.handle, in.RoomID, SignalTyping); err != nil {
			client.reject(err, "")
		}
	case inStopTyping, inStopTypingDash:
		if err := pipeline.Signal(client.handle, in.RoomID, SignalStopTyping); err != nil {
			client.reject(err, "")
		}
	default:
		client.reject(chaterr.ErrInvalidMessage, "Unknown event type")
	}
}

// reject reports err to this client only. Internal failures are logged and
// replaced with fallback; a blank fallback drops them silently.
func (client *Client) reject(err error, fallback string) {
	text := err.Error()
	switch {
	case errors.Is(err, chaterr.ErrRateLimited):
		text = fallback
	case chaterr.HTTPStatus(err) == http.StatusInternalServerError:
		client.logger.Error().Err(err).Msg("event failed")
		if fallback == "" {
			return
		}
		text = fallback
	}
	client.Deliver(session.Event{Type: session.EventError, Payload: session.ErrorPayload{Message: text}})
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.shutdown()
				return
			}
		case <-client.done:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.shutdown()
				return
			}
		}
	}
}
