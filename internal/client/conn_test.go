package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/FindIt/internal/adapters/signal"
	"github.com/dkeye/FindIt/internal/app/relay"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*relay.Relay, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rl := relay.New(relay.Deps{}, relay.Options{})
	t.Cleanup(rl.Recorder().Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctl := signal.NewSignalWSController(rl, signal.Options{SendBuffer: 64})
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c, "") })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return rl, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type endpoint struct {
	conn  *Conn
	n     *Negotiator
	peers *fakePeers
	ev    *recListener
}

func join(t *testing.T, url string, self, remote domain.UserID) *endpoint {
	t.Helper()
	conn, err := Dial(context.Background(), url, self, nil)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	e := &endpoint{conn: conn, peers: &fakePeers{}, ev: &recListener{}}
	e.n = NewNegotiator(conn, e.peers, &fakeCapture{}, Options{
		Self: self, Remote: remote, Clock: &fakeClock{}, Listener: e.ev,
	})
	conn.OnEvent(e.n.Dispatch)
	return e
}

func candOps(p *fakePeer) []string {
	var out []string
	for _, op := range p.opList() {
		if strings.HasPrefix(op, "cand:") {
			out = append(out, op)
		}
	}
	return out
}

func TestCallThroughServer(t *testing.T) {
	rl, url := startServer(t)
	alice := join(t, url, "alice", "bob")
	bob := join(t, url, "bob", "")
	require.Eventually(t, func() bool { return len(rl.Presence.Online()) == 2 }, 2*time.Second, 10*time.Millisecond)

	bob.ev.onState = func(s State) {
		if s == StateIncoming {
			assert.NoError(t, bob.n.Accept(context.Background()))
		}
	}

	require.NoError(t, alice.n.StartCall(context.Background(), domain.CallAudio, "resp-1", "Alice"))
	caller := alice.peers.last()
	for _, c := range []string{"c1", "c2", "c3"} {
		caller.events.OnICECandidate(webrtc.ICECandidateInit{Candidate: c})
	}

	require.Eventually(t, func() bool {
		return alice.n.State() == StateActive && bob.n.State() == StateActive
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, alice.n.CallID(), bob.n.CallID())
	require.Eventually(t, func() bool { return len(candOps(bob.peers.last())) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"cand:c1", "cand:c2", "cand:c3"}, candOps(bob.peers.last()))

	alice.n.Hangup()
	require.Eventually(t, func() bool { return bob.n.State() == StateIdle }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Notice{Kind: NoticeInfo, Text: "Call ended"}, bob.ev.lastNotice())
	assert.Eventually(t, func() bool { return rl.Calls.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCallToOfflineUserFails(t *testing.T) {
	_, url := startServer(t)
	alice := join(t, url, "alice", "nobody")

	require.NoError(t, alice.n.StartCall(context.Background(), domain.CallAudio, "", ""))
	require.Eventually(t, func() bool { return alice.n.State() == StateIdle }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Notice{Kind: NoticeError, Text: "Call failed: " + protocol.ReasonNotOnline}, alice.ev.lastNotice())
}

func TestConnEmitAfterClose(t *testing.T) {
	_, url := startServer(t)
	conn, err := Dial(context.Background(), url, "alice", nil)
	require.NoError(t, err)
	conn.Close()
	<-conn.Done()
	assert.ErrorIs(t, conn.Emit(protocol.EventPing, nil), ErrConnClosed)
	assert.NoError(t, conn.Err())
}

func TestConnDeliversRoomMessages(t *testing.T) {
	_, url := startServer(t)
	conn, err := Dial(context.Background(), url, "alice", nil)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	got := make(chan protocol.Envelope, 4)
	conn.OnEvent(func(env protocol.Envelope) {
		if env.Event == protocol.EventMessage {
			got <- env
		}
	})
	require.NoError(t, conn.JoinRoom("r1"))
	require.NoError(t, conn.Emit(protocol.EventSendMessage, map[string]string{"roomId": "r1", "content": "hello"}))

	select {
	case env := <-got:
		assert.JSONEq(t, `{"roomId":"r1","content":"hello"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}
