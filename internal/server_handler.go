package internal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/session"
)

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.env == "dev" || s.frontendURL == "" {
		return true
	}
	return origin == s.frontendURL
}

// ServeWS authenticates the handshake and upgrades it. A bad token or an
// unknown principal is refused with 401 before the upgrade.
func (s *Server) ServeWS(c *gin.Context) {
	user, err := s.authenticate(c.Request.Context(), c.Request)
	if err != nil {
		if !errors.Is(err, chaterr.ErrAuthenticationFailed) {
			s.logger.Error().Err(err).Msg("websocket handshake")
		}
		abortError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade error")
		return
	}

	handle := session.NewHandle()
	client := newClient(s, conn, handle, user.ID)
	if _, err := s.registry.Open(c.Request.Context(), handle, user.ID, client); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("open session")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	if !s.admit(client) {
		_ = s.registry.Close(handle)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// admit records a newly opened session. It refuses once Close has begun so
// that nothing joins the wait group Close is waiting on.
func (s *Server) admit(client *Client) bool {
	s.clientsMu.Lock()
	if s.closing {
		s.clientsMu.Unlock()
		return false
	}
	s.clients[client.handle] = client
	s.open.Add(1)
	s.clientsMu.Unlock()
	wsConnections.Inc()
	if s.presence.Connect(client.userID) {
		s.setOnline(client.userID, true)
	}
	client.logger.Info().Msg("session opened")
	return true
}

// release undoes admit once the read pump has ended.
func (s *Server) release(client *Client) {
	defer s.open.Done()
	s.clientsMu.Lock()
	delete(s.clients, client.handle)
	s.clientsMu.Unlock()
	if err := s.registry.Close(client.handle); err != nil {
		client.logger.Warn().Err(err).Msg("close session")
	}
	wsConnections.Dec()
	if s.presence.Disconnect(client.userID) {
		s.setOnline(client.userID, false)
	}
	client.logger.Info().Msg("session closed")
}

func (s *Server) setOnline(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.users.SetOnline(ctx, userID, online); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Bool("online", online).Msg("update online flag")
	}
}
