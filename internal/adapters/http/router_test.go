package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/FindIt/internal/app/relay"
	"github.com/dkeye/FindIt/internal/config"
	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/dkeye/FindIt/internal/session"
	"github.com/dkeye/FindIt/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

type frameConn struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (c *frameConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *frameConn) Close() {}

func (c *frameConn) events(t *testing.T, ev protocol.Event) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, f := range c.frames {
		env, err := protocol.Decode(f)
		require.NoError(t, err)
		if env.Event == ev {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	relay    *relay.Relay
	store    *store.Store
	handlers *Handlers
	engine   *gin.Engine
}

func testConfig(auth bool) *config.Config {
	cfg := &config.Config{Mode: "test", Secret: "cookie-secret", SendBuffer: 8}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	cfg.Auth.Enabled = auth
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.TokenQueryParam = "token"
	return cfg
}

func newFixture(t *testing.T, auth bool, validator *JWTValidator) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "findit.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rl := relay.New(relay.Deps{}, relay.Options{})
	t.Cleanup(rl.Recorder().Close)

	h := &Handlers{Relay: rl, Messages: st, Calls: st, Directory: st, Storage: st}
	if validator == nil {
		validator = NewJWTValidator(testSecret, nil, "")
	}
	return &fixture{relay: rl, store: st, handlers: h, engine: SetupRouter(context.Background(), testConfig(auth), h, validator)}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) accepted(t *testing.T, id domain.ResponseID) {
	t.Helper()
	require.NoError(t, f.store.SaveResponse(context.Background(), domain.Response{
		ID: id, ItemOwner: "alice", Responder: "bob", Status: domain.ResponseAccepted, UpdatedAt: time.Now(),
	}))
}

func as(uid string) map[string]string { return map[string]string{headerUserID: uid} }

func token(t *testing.T, sub, jti string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: sub, ID: jti, ExpiresAt: jwt.NewNumericDate(exp),
	}})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false, nil)
	w := f.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","connections":0,"online":0,"activeCalls":0}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false, nil)
	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "findit_ws_connections_active")
}

func TestPostMessagePersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t, false, nil)
	f.accepted(t, "r1")

	conn := &frameConn{}
	f.relay.Connect("c1", conn, func() {}, "")
	for _, step := range []struct {
		ev      protocol.Event
		payload any
	}{{protocol.EventRegisterUser, "bob"}, {protocol.EventJoinRoom, "r1"}} {
		frame, err := protocol.Encode(step.ev, step.payload)
		require.NoError(t, err)
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		f.relay.Handle("c1", env)
	}

	w := f.do(t, http.MethodPost, "/api/chat/r1", `{"content":"  is this your wallet?  "}`, as("alice"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var msg domain.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "is this your wallet?", msg.Content)
	assert.Equal(t, domain.UserID("alice"), msg.Sender)

	delivered := conn.events(t, protocol.EventMessage)
	require.Len(t, delivered, 1)
	var got domain.Message
	require.NoError(t, delivered[0].DecodeData(&got))
	assert.Equal(t, msg.ID, got.ID)

	w = f.do(t, http.MethodGet, "/api/chat/r1", "", as("bob"))
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, []domain.UserID{"alice"}, hist.Messages[0].ReadBy)

	w = f.do(t, http.MethodPut, "/api/chat/r1/read", "", as("bob"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"marked":1}`, w.Body.String())
}

func TestPostMessageRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, false, nil)
	f.accepted(t, "r1")
	w := f.do(t, http.MethodPost, "/api/chat/r1", `{"content":"   "}`, as("alice"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"please enter a message"}`, w.Body.String())
}

func TestChatAccess(t *testing.T) {
	f := newFixture(t, false, nil)
	f.accepted(t, "r1")
	require.NoError(t, f.store.SaveResponse(context.Background(), domain.Response{
		ID: "r2", ItemOwner: "alice", Responder: "bob", Status: domain.ResponsePending, UpdatedAt: time.Now(),
	}))

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/chat/r1", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/chat/r1", "", as("mallory")).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/chat/r2", "", as("alice")).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/chat/r404", "", as("alice")).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/calls/history/r1", "", as("mallory")).Code)
}

func TestCallHistory(t *testing.T) {
	f := newFixture(t, false, nil)
	f.accepted(t, "r1")
	require.NoError(t, f.store.CreateCall(context.Background(), domain.CallRecord{
		ID: "call-1", Caller: "alice", Callee: "bob", Type: domain.CallVideo,
		Status: domain.CallRinging, ResponseID: "r1", CreatedAt: time.Now(),
	}))

	w := f.do(t, http.MethodGet, "/api/calls/history/r1", "", as("bob"))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Calls []domain.CallRecord `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Calls, 1)
	assert.Equal(t, domain.CallID("call-1"), body.Calls[0].ID)
}

func TestHeaderIdentityIsRememberedInSession(t *testing.T) {
	f := newFixture(t, false, nil)
	f.accepted(t, "r1")

	first := f.do(t, http.MethodGet, "/api/chat/r1", "", as("alice"))
	require.Equal(t, http.StatusOK, first.Code)
	var cookies []string
	for _, c := range first.Result().Cookies() {
		cookies = append(cookies, c.Name+"="+c.Value)
	}
	require.NotEmpty(t, cookies)

	again := f.do(t, http.MethodGet, "/api/chat/r1", "", map[string]string{"Cookie": strings.Join(cookies, "; ")})
	assert.Equal(t, http.StatusOK, again.Code)
}

func TestOnlineUsersAndActiveCalls(t *testing.T) {
	f := newFixture(t, false, nil)
	f.relay.Connect("c1", &frameConn{}, func() {}, "")
	frame, err := protocol.Encode(protocol.EventRegisterUser, "alice")
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	f.relay.Handle("c1", env)

	w := f.do(t, http.MethodGet, "/api/users/online", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users":["alice"]}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/calls/active", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"calls":[]}`, w.Body.String())

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/users/alice/session", "", nil).Code)
}

func TestJWTAuth(t *testing.T) {
	f := newFixture(t, true, nil)
	f.accepted(t, "r1")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/chat/r1", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/chat/r1", "", as("alice")).Code)

	expired := token(t, "alice", "", time.Now().Add(-time.Minute))
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/chat/r1", "",
		map[string]string{"Authorization": "Bearer " + expired}).Code)

	valid := token(t, "alice", "", time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chat/r1", "",
		map[string]string{"Authorization": "Bearer " + valid}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chat/r1?token="+valid, "", nil).Code)

	// health stays public
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", "", nil).Code)
}

func TestJWTRejectsOtherSigningMethod(t *testing.T) {
	v := NewJWTValidator(testSecret, nil, "")
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.ValidateToken(context.Background(), raw)
	assert.Error(t, err)

	_, err = v.ValidateToken(context.Background(), token(t, "", "", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, errNoSubject)
}

type revokedSet map[string]bool

func (r revokedSet) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if r[k] {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

type brokenRedis struct{}

func (brokenRedis) Exists(context.Context, ...string) *redis.IntCmd {
	return redis.NewIntResult(0, errors.New("connection refused"))
}

func TestJWTRevocation(t *testing.T) {
	v := NewJWTValidator(testSecret, revokedSet{"findit:revoked:jti-1": true}, "findit:revoked")
	f := newFixture(t, true, v)
	f.accepted(t, "r1")

	revoked := token(t, "alice", "jti-1", time.Now().Add(time.Hour))
	_, err := v.ValidateToken(context.Background(), revoked)
	assert.ErrorIs(t, err, errTokenRevoked)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/chat/r1", "",
		map[string]string{"Authorization": "Bearer " + revoked}).Code)

	fresh := token(t, "alice", "jti-2", time.Now().Add(time.Hour))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chat/r1", "",
		map[string]string{"Authorization": "Bearer " + fresh}).Code)

	// revocation lookups fail open
	claims, err := NewJWTValidator(testSecret, brokenRedis{}, "findit:revoked").ValidateToken(context.Background(), revoked)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestUserSession(t *testing.T) {
	f := newFixture(t, false, nil)
	sessions := session.NewMemoryStore(time.Minute)
	f.handlers.Sessions = sessions
	require.NoError(t, sessions.Create(context.Background(), &core.Session{UserID: "alice", ConnID: "c1", ServerID: "node-1"}))

	w := f.do(t, http.MethodGet, "/api/users/alice/session", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got core.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "node-1", got.ServerID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/users/bob/session", "", nil).Code)
}
