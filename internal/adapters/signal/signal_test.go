package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/FindIt/internal/app/relay"
	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*relay.Relay, string) {
	t.Helper()
	rl, url, _ := newStoppableServer(t)
	return rl, url
}

// newStoppableServer also returns the cancel of the context connections run under.
func newStoppableServer(t *testing.T) (*relay.Relay, string, context.CancelFunc) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rl := relay.New(relay.Deps{}, relay.Options{})
	t.Cleanup(rl.Recorder().Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctl := NewSignalWSController(rl, Options{SendBuffer: 16})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c, domain.UserID(c.Query("as")))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return rl, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", cancel
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, ev protocol.Event, payload any) {
	t.Helper()
	frame, err := protocol.Encode(ev, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

// next reads until an event of kind ev arrives.
func next(t *testing.T, ws *websocket.Conn, ev protocol.Event) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Event == ev {
			return env
		}
	}
}

func TestSignalCallOverWebSocket(t *testing.T) {
	rl, url := newServer(t)
	alice := dial(t, url)
	bob := dial(t, url)

	send(t, alice, protocol.EventRegisterUser, "alice")
	next(t, alice, protocol.EventOnlineUsers)
	send(t, bob, protocol.EventRegisterUser, map[string]string{"userId": "bob"})
	online := next(t, alice, protocol.EventOnlineUsers)
	var users []string
	require.NoError(t, json.Unmarshal(online.Data, &users))
	assert.Equal(t, []string{"alice", "bob"}, users)

	send(t, alice, protocol.EventCallOffer, protocol.CallOffer{
		To: "bob", Offer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`), CallType: "audio",
	})
	var in protocol.IncomingCall
	require.NoError(t, next(t, bob, protocol.EventIncomingCall).DecodeData(&in))
	assert.Equal(t, "alice", in.From)
	next(t, alice, protocol.EventCallRinging)

	send(t, bob, protocol.EventCallAnswer, protocol.CallAnswer{To: "alice", CallID: in.CallID, Answer: json.RawMessage(`{}`)})
	next(t, alice, protocol.EventCallAnswered)

	require.NoError(t, bob.Close())
	var pd protocol.PeerDisconnected
	require.NoError(t, next(t, alice, protocol.EventPeerDisconnected).DecodeData(&pd))
	assert.Equal(t, "bob", pd.UserID)
	assert.Eventually(t, func() bool { return rl.Registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSignalMalformedFramesAreDropped(t *testing.T) {
	_, url := newServer(t)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, ws, protocol.EventPing, nil)
	next(t, ws, protocol.EventPong)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"warp"}`)))
	var e protocol.ErrorEvent
	require.NoError(t, next(t, ws, protocol.EventError).DecodeData(&e))
	assert.Equal(t, "warp", e.Event)
}

func TestSignalAuthenticatedIdentity(t *testing.T) {
	_, url := newServer(t)
	ws := dial(t, url+"?as=alice")

	send(t, ws, protocol.EventRegisterUser, "mallory")
	var e protocol.ErrorEvent
	require.NoError(t, next(t, ws, protocol.EventError).DecodeData(&e))
	assert.Equal(t, "Identity mismatch", e.Reason)
}

func TestTrySendAfterClose(t *testing.T) {
	c := &WsSignalConn{send: make(chan core.Frame, 1)}
	c.closed = true
	assert.ErrorIs(t, c.TrySend([]byte("x")), ErrClosed)

	open := &WsSignalConn{send: make(chan core.Frame, 1)}
	require.NoError(t, open.TrySend([]byte("a")))
	assert.ErrorIs(t, open.TrySend([]byte("b")), ErrBackpressure)
}

func TestShutdownClosesConnectionsPromptly(t *testing.T) {
	rl, url, stop := newStoppableServer(t)
	ws := dial(t, url)
	send(t, ws, protocol.EventRegisterUser, "alice")
	next(t, ws, protocol.EventOnlineUsers)
	require.Equal(t, []domain.UserID{"alice"}, rl.Presence.Online())

	stop()

	// well inside the default pong wait
	require.Eventually(t, func() bool { return len(rl.Presence.Online()) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) {
				assert.False(t, netErr.Timeout(), "server never closed the socket")
			}
			return
		}
	}
}
