package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/saurav-co-de/chart/internal/geo"
	"github.com/saurav-co-de/chart/internal/message"
	"github.com/saurav-co-de/chart/internal/storage"
)

const testSecret = "test-secret"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	server *Server
	users  *storage.Store
	http   *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	users, err := storage.NewStore("sqlite://file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, users.Migrate(context.Background()))

	opts.Users = users
	if opts.Messages == nil {
		opts.Messages = message.NewMemoryStore(nil)
	}
	opts.JWTSecret = testSecret
	if opts.SendRate == 0 {
		opts.SendRate = rate.Inf
	}
	opts.Env = "dev"
	server := NewServer(opts)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
		_ = users.Close()
	})
	return &testEnv{server: server, users: users, http: ts}
}

// addUser registers a user, places them at loc when given and returns a
// token for them.
func (e *testEnv) addUser(t *testing.T, id, username string, loc *geo.Location) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.users.UpsertUser(ctx, id, username))
	if loc != nil {
		require.NoError(t, e.users.UpdateLocation(ctx, id, *loc))
	}
	return mintToken(t, id, testSecret)
}

func mintToken(t *testing.T, userID, secret string) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, frame map[string]string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// readFrame reads exactly one frame.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// expect reads frames until one of the given type arrives.
func expect(t *testing.T, conn *websocket.Conn, kind string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %s", kind)
		if frame["type"] == kind {
			return frame
		}
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, Options{})
	status, body := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "OK", body["status"])
	require.Equal(t, Version, body["version"])
	require.EqualValues(t, 0, body["sessions"])
}

func TestServer_APIRequiresToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.addUser(t, "u1", "alice", nil)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong secret", mintToken(t, "u1", "other-secret")},
		{"unknown user", mintToken(t, "ghost", testSecret)},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodGet, "/api/location/room", tt.token, nil)
			require.Equal(t, http.StatusUnauthorized, status)
			require.Contains(t, body["error"], "authentication failed")
		})
	}
}

func TestServer_LocationFlow(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, Options{})
	alice := env.addUser(t, "u1", "alice", nil)
	env.addUser(t, "u2", "bob", &geo.Location{Latitude: 10.051, Longitude: -4.951})
	env.addUser(t, "u3", "carol", &geo.Location{Latitude: 11.5, Longitude: -4.95})

	status, body := env.do(t, http.MethodGet, "/api/location/room", alice, nil)
	req.Equal(http.StatusBadRequest, status)
	req.Equal("location not set", body["error"])

	status, _ = env.do(t, http.MethodPut, "/api/location/update", alice, map[string]any{"latitude": 10.05})
	req.Equal(http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPut, "/api/location/update", alice, map[string]any{"latitude": 91.0, "longitude": 0.0})
	req.Equal(http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodPut, "/api/location/update", alice, map[string]any{"latitude": 10.05, "longitude": -4.95})
	req.Equal(http.StatusOK, status)
	req.Equal("room_10_-5", body["roomId"])

	status, body = env.do(t, http.MethodGet, "/api/location/room", alice, nil)
	req.Equal(http.StatusOK, status)
	req.Equal("room_10_-5", body["roomId"])

	status, body = env.do(t, http.MethodGet, "/api/location/nearby", alice, nil)
	req.Equal(http.StatusOK, status)
	req.EqualValues(1, body["count"])
	users := body["users"].([]any)
	req.Equal("bob", users[0].(map[string]any)["username"])
}

func TestServer_MessagesHTTP(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, Options{})
	here := &geo.Location{Latitude: 10.05, Longitude: -4.95}
	alice := env.addUser(t, "u1", "alice", here)
	bob := env.addUser(t, "u2", "bob", here)
	nowhere := env.addUser(t, "u3", "carol", nil)

	status, body := env.do(t, http.MethodPost, "/api/messages", alice, map[string]any{"message": "  hi there ", "roomId": "room_10_-5"})
	req.Equal(http.StatusCreated, status)
	req.Equal("hi there", body["message"])
	req.Equal("alice", body["username"])
	id := body["id"].(string)

	status, _ = env.do(t, http.MethodPost, "/api/messages", alice, map[string]any{"message": "hi"})
	req.Equal(http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodPost, "/api/messages", alice, map[string]any{"message": strings.Repeat("x", 501), "roomId": "room_10_-5"})
	req.Equal(http.StatusBadRequest, status)
	status, body = env.do(t, http.MethodPost, "/api/messages", nowhere, map[string]any{"message": "hi", "roomId": "room_10_-5"})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("location not set", body["error"])

	status, body = env.do(t, http.MethodGet, "/api/messages/room_10.0_-5.0?limit=500", bob, nil)
	req.Equal(http.StatusOK, status)
	req.EqualValues(1, body["count"])

	status, _ = env.do(t, http.MethodGet, "/api/messages/room_10_-5?limit=abc", bob, nil)
	req.Equal(http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodGet, "/api/messages/lobby", bob, nil)
	req.Equal(http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodDelete, "/api/messages/"+id, bob, nil)
	req.Equal(http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodDelete, "/api/messages/"+id, alice, nil)
	req.Equal(http.StatusOK, status)
	status, _ = env.do(t, http.MethodDelete, "/api/messages/"+id, alice, nil)
	req.Equal(http.StatusNotFound, status)

	status, body = env.do(t, http.MethodGet, "/api/messages/room_10_-5", bob, nil)
	req.Equal(http.StatusOK, status)
	req.EqualValues(0, body["count"])
	req.Empty(body["messages"])
}

func TestServer_HTTPRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{HTTPRate: rate.Every(time.Hour), HTTPBurst: 2})
	token := env.addUser(t, "u1", "alice", &geo.Location{Latitude: 1, Longitude: 1})

	for i := 0; i < 2; i++ {
		status, _ := env.do(t, http.MethodGet, "/api/location/room", token, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, body := env.do(t, http.MethodGet, "/api/location/room", token, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "too many requests", body["error"])
}

func TestServer_WebsocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?token=nope"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_WebsocketRoomChat(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, Options{})
	here := &geo.Location{Latitude: 10.05, Longitude: -4.95}
	uConn := env.dial(t, env.addUser(t, "u", "ursula", here))
	vConn := env.dial(t, env.addUser(t, "v", "victor", here))

	// Given U and V both in room_10_-5
	emit(t, uConn, map[string]string{"type": "join", "roomId": "room_10_-5"})
	history := expect(t, uConn, "room_messages")
	req.Equal("room_10_-5", history["roomId"])
	req.Empty(history["messages"])

	emit(t, vConn, map[string]string{"type": "join_room", "roomId": "room_10.0_-5.0"})
	expect(t, vConn, "room_messages")
	joined := expect(t, uConn, "user_joined")
	req.Equal("victor", joined["username"])

	// When U sends hello
	emit(t, uConn, map[string]string{"type": "send", "roomId": "room_10_-5", "message": "hello"})

	// Then V receives it and U gets the echo
	got := expect(t, vConn, "new_message")
	req.Equal("hello", got["message"].(map[string]any)["message"])
	req.Equal("ursula", got["message"].(map[string]any)["username"])
	echo := expect(t, uConn, "new_message")
	req.Equal("hello", echo["message"].(map[string]any)["message"])

	// and the echo arrives exactly once: the next message U sees is V's reply
	emit(t, vConn, map[string]string{"type": "send_message", "roomId": "room_10_-5", "message": "hi back"})
	reply := expect(t, uConn, "new_message")
	req.Equal("hi back", reply["message"].(map[string]any)["message"])

	// Typing reaches V but not U
	emit(t, uConn, map[string]string{"type": "typing", "roomId": "room_10_-5"})
	typing := expect(t, vConn, "user_typing")
	req.Equal("ursula", typing["username"])
	emit(t, uConn, map[string]string{"type": "stop-typing", "roomId": "room_10_-5"})
	expect(t, vConn, "user_stop_typing")

	// A late joiner gets the history
	wConn := env.dial(t, env.addUser(t, "w", "wanda", here))
	emit(t, wConn, map[string]string{"type": "join", "roomId": "room_10_-5"})
	late := expect(t, wConn, "room_messages")
	req.Len(late["messages"], 2)

	// V disconnecting is announced to the room and flips the online flag
	req.NoError(vConn.Close())
	left := expect(t, uConn, "user_left")
	req.Equal("victor", left["username"])
	req.Eventually(func() bool {
		user, err := env.users.GetUser(context.Background(), "v")
		return err == nil && user != nil && !user.Online
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_WebsocketErrorsStayPrivate(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, Options{})
	here := &geo.Location{Latitude: 10.05, Longitude: -4.95}
	lost := env.dial(t, env.addUser(t, "lost", "lost", nil))
	other := env.dial(t, env.addUser(t, "other", "other", here))
	emit(t, other, map[string]string{"type": "join", "roomId": "room_10_-5"})
	expect(t, other, "room_messages")

	emit(t, lost, map[string]string{"type": "join", "roomId": "room_10_-5"})
	expect(t, lost, "room_messages")
	expect(t, other, "user_joined")

	emit(t, lost, map[string]string{"type": "send", "roomId": "room_10_-5", "message": "hi"})
	failure := expect(t, lost, "error")
	req.Equal("location not set", failure["message"])

	emit(t, lost, map[string]string{"type": "send", "roomId": "room_20_20", "message": "hi"})
	failure = expect(t, lost, "error")
	req.Contains(failure["message"], "not joined")

	emit(t, lost, map[string]string{"type": "dance"})
	failure = expect(t, lost, "error")
	req.Equal("invalid message", failure["message"])

	emit(t, lost, map[string]string{"type": "leave", "roomId": "room_10_-5_0"})
	failure = expect(t, lost, "error")
	req.Contains(failure["message"], "malformed room id")

	// a leave for some other room keeps lost where it is
	emit(t, lost, map[string]string{"type": "leave_room", "roomId": "room_37.7_-122.5"})
	emit(t, lost, map[string]string{"type": "typing", "roomId": "room_10_-5"})
	frame := readFrame(t, other)
	req.Equal("user_typing", frame["type"])
	req.Equal("lost", frame["username"])

	emit(t, lost, map[string]string{"type": "leave", "roomId": "room_10_-5"})
	frame = readFrame(t, other)
	req.Equal("user_left", frame["type"])
	req.Equal("lost", frame["username"])
}

func TestServer_WebsocketSendRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{SendRate: rate.Every(time.Hour), SendBurst: 1})
	here := &geo.Location{Latitude: 10.05, Longitude: -4.95}
	conn := env.dial(t, env.addUser(t, "u", "ursula", here))
	emit(t, conn, map[string]string{"type": "join", "roomId": "room_10_-5"})
	expect(t, conn, "room_messages")

	emit(t, conn, map[string]string{"type": "send", "roomId": "room_10_-5", "message": "one"})
	expect(t, conn, "new_message")
	emit(t, conn, map[string]string{"type": "send", "roomId": "room_10_-5", "message": "two"})
	failure := expect(t, conn, "error")
	require.Equal(t, rateLimitNotice, failure["message"])
}

func TestServer_CloseDisconnectsSessions(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, env.addUser(t, "u", "ursula", &geo.Location{Latitude: 1, Longitude: 1}))
	require.Eventually(t, func() bool { return env.server.Registry().Count() == 1 }, 3*time.Second, 10*time.Millisecond)
	_, health := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.EqualValues(t, 1, health["sessions"])
	require.NotEmpty(t, health["lastActivity"])

	env.server.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, env.server.Registry().Count())
}

func TestServer_RefusesSessionsAfterClose(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.addUser(t, "u", "ursula", &geo.Location{Latitude: 1, Longitude: 1})
	env.server.Close()

	conn := env.dial(t, token)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Equal(t, 0, env.server.Registry().Count())
}
