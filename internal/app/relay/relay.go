// Package relay routes socket events between connections: presence, chat room
// fan-out and the call signaling state machine.
package relay

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/FindIt/internal/app"
	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/metrics"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const collaboratorTimeout = 2 * time.Second

type Options struct {
	// RingTimeout > 0 marks calls missed when nobody answers in time.
	RingTimeout time.Duration
	// RequireAccepted gates joinRoom on an accepted response.
	RequireAccepted bool
	// OfferLimit call offers per OfferWindow per caller; 0 disables the limit.
	OfferLimit  int
	OfferWindow time.Duration
	ServerID    string
}

// Deps are the collaborators of a Relay. Nil components get in-memory defaults;
// Directory and Sessions stay optional.
type Deps struct {
	Registry  *app.Registry
	Presence  *app.Presence
	Rooms     *app.RoomManager
	Calls     *app.CallTable
	Recorder  *app.Recorder
	Policy    app.Policy
	Directory core.ResponseDirectory
	Sessions  core.SessionStore

	Now   func() time.Time
	NewID func() domain.CallID
}

type Relay struct {
	Registry  *app.Registry
	Presence  *app.Presence
	Rooms     *app.RoomManager
	Calls     *app.CallTable
	recorder  *app.Recorder
	policy    app.Policy
	directory core.ResponseDirectory
	sessions  core.SessionStore

	now     func() time.Time
	newID   func() domain.CallID
	opts    Options
	limiter *RateLimiter

	mu        sync.RWMutex
	authUsers map[core.ConnID]domain.UserID
}

func New(d Deps, opts Options) *Relay {
	r := &Relay{
		Registry:  d.Registry,
		Presence:  d.Presence,
		Rooms:     d.Rooms,
		Calls:     d.Calls,
		recorder:  d.Recorder,
		policy:    d.Policy,
		directory: d.Directory,
		sessions:  d.Sessions,
		now:       d.Now,
		newID:     d.NewID,
		opts:      opts,
		authUsers: make(map[core.ConnID]domain.UserID),
	}
	if r.Registry == nil {
		r.Registry = app.NewRegistry()
	}
	if r.Presence == nil {
		r.Presence = app.NewPresence()
	}
	if r.Rooms == nil {
		r.Rooms = app.NewRoomManager()
	}
	if r.Calls == nil {
		r.Calls = app.NewCallTable()
	}
	if r.recorder == nil {
		r.recorder = app.NewRecorder(nil, nil, app.RecorderOptions{})
	}
	if r.policy == nil {
		r.policy = app.SimplePolicy{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = func() domain.CallID { return domain.CallID(uuid.NewString()) }
	}
	if opts.OfferLimit > 0 && opts.OfferWindow > 0 {
		r.limiter = NewRateLimiter(opts.OfferLimit, opts.OfferWindow)
	}
	return r
}

// Recorder exposes the call recorder so the process can drain it on shutdown.
func (r *Relay) Recorder() *app.Recorder { return r.recorder }

// Connect binds a new transport. authUser is the identity proven at upgrade
// time, empty when authentication is off.
func (r *Relay) Connect(cid core.ConnID, conn core.SignalConnection, cancel context.CancelFunc, authUser domain.UserID) {
	r.Registry.Bind(cid, conn, cancel)
	metrics.TotalConnections.Inc()
	if authUser != "" {
		r.mu.Lock()
		r.authUsers[cid] = authUser
		r.mu.Unlock()
	}
	log.Info().Str("module", "relay").Str("conn", string(cid)).Str("auth_user", string(authUser)).Msg("connection opened")
}

// Disconnect cleans up after a closed transport. Call cleanup only runs when
// the connection still owned its user's presence entry.
func (r *Relay) Disconnect(cid core.ConnID) {
	r.Rooms.LeaveAll(cid)
	if !r.Registry.Unbind(cid) {
		return
	}
	r.mu.Lock()
	delete(r.authUsers, cid)
	r.mu.Unlock()

	uid, owned := r.Presence.Unregister(cid)
	if !owned {
		log.Info().Str("module", "relay").Str("conn", string(cid)).Msg("anonymous connection closed")
		return
	}
	r.mirror("delete", uid, func(ctx context.Context) error { return r.sessions.Delete(ctx, uid) })
	r.broadcastOnline(r.Presence.Online())

	r.failCallsOf(uid)
	log.Info().Str("module", "relay").Str("conn", string(cid)).Str("user", string(uid)).Msg("user disconnected")
}

// failCallsOf finishes every call of a user who is gone and tells the peers.
func (r *Relay) failCallsOf(uid domain.UserID) {
	now := r.now()
	for _, call := range r.Calls.CallsOf(uid) {
		out, err := r.Calls.Finish(call.ID, domain.CallFailed, now)
		if err != nil {
			continue
		}
		r.record(out)
		if peer, ok := out.Call.Peer(uid); ok {
			r.sendToUser(peer, protocol.EventPeerDisconnected, protocol.PeerDisconnected{
				CallID: string(call.ID),
				UserID: string(uid),
			})
		}
	}
}

// Touch refreshes the session mirror of the user behind cid.
func (r *Relay) Touch(cid core.ConnID) {
	uid, ok := r.Presence.UserOf(cid)
	if !ok {
		return
	}
	r.mirror("refresh", uid, func(ctx context.Context) error { return r.sessions.RefreshTTL(ctx, uid) })
}

// Handle dispatches one decoded event from cid.
func (r *Relay) Handle(cid core.ConnID, env protocol.Envelope) {
	metrics.EventsReceived.WithLabelValues(env.Event.String()).Inc()
	defer r.recoverHandler(cid, env)

	switch env.Event {
	case protocol.EventRegisterUser:
		r.handleRegister(cid, env)
	case protocol.EventJoinRoom:
		r.handleJoinRoom(cid, env)
	case protocol.EventLeaveRoom:
		r.handleLeaveRoom(cid, env)
	case protocol.EventSendMessage:
		r.handleSendMessage(cid, env)
	case protocol.EventCallOffer:
		r.handleCallOffer(cid, env)
	case protocol.EventCallAnswer:
		r.handleCallAnswer(cid, env)
	case protocol.EventICECandidate:
		r.handleICECandidate(cid, env)
	case protocol.EventCallRejected:
		r.handleCallRejected(cid, env)
	case protocol.EventEndCall:
		r.handleEndCall(cid, env)
	case protocol.EventPing:
		r.Touch(cid)
		r.send(cid, protocol.EventPong, nil)
	case protocol.EventOnlineUsers, protocol.EventMessage, protocol.EventIncomingCall,
		protocol.EventCallRinging, protocol.EventCallAnswered, protocol.EventCallEnded,
		protocol.EventPeerDisconnected, protocol.EventCallFailed, protocol.EventError,
		protocol.EventPong:
		log.Warn().Str("module", "relay").Str("conn", string(cid)).Str("event", env.Event.String()).Msg("server event sent by client")
		r.sendError(cid, env.Event.String(), "Unsupported event")
	case protocol.EventUnknown:
		log.Warn().Str("module", "relay").Str("conn", string(cid)).Str("event", env.Name).Msg("unknown event")
		r.sendError(cid, env.Name, "Unknown event")
	}
}

func (r *Relay) recoverHandler(cid core.ConnID, env protocol.Envelope) {
	rec := recover()
	if rec == nil {
		return
	}
	log.Error().Str("module", "relay").Str("conn", string(cid)).Str("event", env.Event.String()).
		Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("handler panic")
	if isCallEvent(env.Event) {
		r.send(cid, protocol.EventCallFailed, protocol.CallFailed{Reason: protocol.ReasonServerError})
		return
	}
	r.sendError(cid, env.Event.String(), protocol.ReasonServerError)
}

func isCallEvent(ev protocol.Event) bool {
	switch ev {
	case protocol.EventCallOffer, protocol.EventCallAnswer, protocol.EventICECandidate,
		protocol.EventCallRejected, protocol.EventEndCall:
		return true
	}
	return false
}

// identity prefers the registered user of cid over the claimed payload sender.
func (r *Relay) identity(cid core.ConnID, claimed string) domain.UserID {
	if uid, ok := r.Presence.UserOf(cid); ok {
		return uid
	}
	return domain.UserID(strings.TrimSpace(claimed))
}

func (r *Relay) authUser(cid core.ConnID) domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authUsers[cid]
}

// send writes one event to cid. A full buffer is handed to the policy.
func (r *Relay) send(cid core.ConnID, ev protocol.Event, payload any) bool {
	conn, ok := r.Registry.Get(cid)
	if !ok {
		return false
	}
	frame, err := protocol.Encode(ev, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("event", ev.String()).Msg("encode")
		return false
	}
	if err := conn.TrySend(frame); err != nil {
		r.backpressure(core.RoomInfo{}, cid, err)
		return false
	}
	return true
}

func (r *Relay) sendToUser(uid domain.UserID, ev protocol.Event, payload any) bool {
	cid, ok := r.Presence.Resolve(uid)
	if !ok {
		log.Debug().Str("module", "relay").Str("user", string(uid)).Str("event", ev.String()).Msg("target offline, dropped")
		return false
	}
	return r.send(cid, ev, payload)
}

func (r *Relay) sendError(cid core.ConnID, event, reason string) {
	r.send(cid, protocol.EventError, protocol.ErrorEvent{Event: event, Reason: reason})
}

func (r *Relay) broadcastOnline(online []domain.UserID) {
	frame, err := protocol.Encode(protocol.EventOnlineUsers, online)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode online users")
		return
	}
	for _, snap := range r.Registry.All() {
		if err := snap.Conn.TrySend(frame); err != nil {
			r.backpressure(core.RoomInfo{}, snap.ID, err)
		}
	}
}

// BroadcastRoom fans an event out to every member of a room.
func (r *Relay) BroadcastRoom(id domain.RoomID, ev protocol.Event, payload any) int {
	frame, err := protocol.Encode(ev, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("room", string(id)).Msg("encode room broadcast")
		return 0
	}
	res := r.Rooms.Broadcast(id, frame)
	if len(res.Dropped) > 0 {
		info := core.RoomInfo{ID: id, MemberCount: res.SendTo + len(res.Dropped)}
		for _, cid := range res.Dropped {
			r.backpressure(info, cid, errRoomBuffer)
		}
	}
	return res.SendTo
}

func (r *Relay) backpressure(room core.RoomInfo, cid core.ConnID, cause error) {
	metrics.FramesDropped.Inc()
	action := r.policy.OnBackPressure(room, cid)
	log.Warn().Err(cause).Str("module", "relay").Str("conn", string(cid)).Str("room", string(room.ID)).Int("action", int(action)).Msg("send buffer full")
	switch action {
	case app.KickMember:
		r.Registry.Cancel(cid)
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}

// mirror writes to the session store when one is configured. Failures are logged only.
func (r *Relay) mirror(op string, uid domain.UserID, fn func(ctx context.Context) error) {
	if r.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("op", op).Str("user", string(uid)).Msg("session mirror")
	}
}
