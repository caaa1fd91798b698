// Package client drives one call from the user's side: it owns the local
// capture, the single peer connection of the current attempt and the
// signaling exchange with the server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle     State = "idle"
	StateCalling  State = "calling"
	StateIncoming State = "incoming"
	StateActive   State = "active"
)

const DefaultNegotiationTimeout = 45 * time.Second

// maxAbandoned bounds the offers remembered after a hangup that beat call-ringing.
const maxAbandoned = 16

var (
	ErrBusy           = errors.New("a call is already in progress")
	ErrNoRemote       = errors.New("no remote user to call")
	ErrNoIncomingCall = errors.New("no incoming call")
)

type Options struct {
	Self domain.UserID
	// Remote is the user StartCall dials. Incoming calls override it per call.
	Remote domain.UserID
	// Timeout bounds the time from offer or answer to a connected peer.
	// Zero means DefaultNegotiationTimeout, negative disables it.
	Timeout  time.Duration
	Clock    Clock
	Listener Listener
}

// Negotiator is the call state machine of one widget:
// idle -> calling -> active for the caller, idle -> incoming -> active for the
// callee. Every exit goes through closeConnection and lands in idle.
type Negotiator struct {
	sig      Signaler
	peers    PeerFactory
	capture  Capture
	listener Listener
	clock    Clock
	self     domain.UserID
	fallback domain.UserID
	timeout  time.Duration

	mu       sync.Mutex
	state    State
	gen      uint64
	remote   domain.UserID
	callID   string
	offerID  string
	callType domain.CallType
	offer    json.RawMessage
	peer     PeerConnection
	media    LocalMedia
	pending  []webrtc.ICECandidateInit
	timer    Timer
	ticker   Ticker
	tickDone chan struct{}
	seconds  int

	// abandoned maps offers hung up before their call id arrived to the callee.
	abandoned map[string]domain.UserID
	// stale holds ids of calls ended that way; their answers are dropped.
	stale []string
}

func NewNegotiator(sig Signaler, peers PeerFactory, capture Capture, opts Options) *Negotiator {
	n := &Negotiator{
		sig:      sig,
		peers:    peers,
		capture:  capture,
		listener: opts.Listener,
		clock:    opts.Clock,
		self:     opts.Self,
		fallback: opts.Remote,
		remote:   opts.Remote,
		timeout:  opts.Timeout,
		state:    StateIdle,
	}
	if n.listener == nil {
		n.listener = nopListener{}
	}
	if n.clock == nil {
		n.clock = realClock{}
	}
	if n.timeout == 0 {
		n.timeout = DefaultNegotiationTimeout
	}
	return n
}

// effects collects work that must run after the lock is released: closing
// media and peers, and listener callbacks that may re-enter the negotiator.
type effects struct {
	release []func()
	notify  []func()
}

func (n *Negotiator) lock() *effects {
	n.mu.Lock()
	return &effects{}
}

func (n *Negotiator) unlock(fx *effects) {
	n.mu.Unlock()
	for _, f := range fx.release {
		f()
	}
	for _, f := range fx.notify {
		f()
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) CallID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.callID
}

// Duration is the connected time of the current call.
func (n *Negotiator) Duration() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Duration(n.seconds) * time.Second
}

// StartCall places a call to the configured remote user.
func (n *Negotiator) StartCall(ctx context.Context, callType domain.CallType, responseID domain.ResponseID, callerName string) error {
	fx := n.lock()
	defer n.unlock(fx)

	if n.state != StateIdle {
		return ErrBusy
	}
	if n.remote == "" {
		return ErrNoRemote
	}
	if _, err := domain.ParseCallType(string(callType)); err != nil {
		return err
	}
	n.closeConnectionLocked(fx)
	gen := n.gen

	media, err := n.capture.Acquire(ctx, callType)
	if err != nil {
		return n.failLocked(fx, "Failed to start call. Please check microphone permissions.", err)
	}
	n.media = media
	if err := n.newPeerLocked(gen); err != nil {
		return n.failLocked(fx, "Failed to start call.", err)
	}
	offer, err := n.peer.CreateOffer(ctx)
	if err != nil {
		return n.failLocked(fx, "Failed to start call.", err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return n.failLocked(fx, "Failed to start call.", err)
	}
	offerID := uuid.NewString()
	if err := n.sig.Emit(protocol.EventCallOffer, protocol.CallOffer{
		To:         string(n.remote),
		From:       string(n.self),
		Offer:      raw,
		CallType:   string(callType),
		ResponseID: string(responseID),
		CallerName: callerName,
		OfferID:    offerID,
	}); err != nil {
		return n.failLocked(fx, "Not connected to server.", err)
	}
	n.callType = callType
	n.offerID = offerID
	n.setStateLocked(fx, StateCalling)
	n.armTimeoutLocked(gen)
	log.Info().Str("module", "client").Str("to", string(n.remote)).Str("call_type", string(callType)).Msg("call offer sent")
	return nil
}

// HandleRinging records the server-issued id of the call being placed. A
// ringing for an offer that was already hung up ends that call on the server.
func (n *Negotiator) HandleRinging(p protocol.CallRinging) {
	fx := n.lock()
	defer n.unlock(fx)

	if p.OfferID == "" {
		if n.state == StateCalling && n.callID == "" && (p.To == "" || domain.UserID(p.To) == n.remote) {
			n.callID = p.CallID
		}
		return
	}
	if n.state == StateCalling && n.callID == "" && p.OfferID == n.offerID {
		n.callID = p.CallID
		return
	}
	if callee, ok := n.abandoned[p.OfferID]; ok {
		delete(n.abandoned, p.OfferID)
		if len(n.stale) >= maxAbandoned {
			n.stale = n.stale[1:]
		}
		n.stale = append(n.stale, p.CallID)
		log.Info().Str("module", "client").Str("call_id", p.CallID).Msg("ending call hung up before ringing")
		n.emitLocked(protocol.EventEndCall, protocol.CallControl{CallID: p.CallID, To: string(callee), From: string(n.self)})
		return
	}
	log.Debug().Str("module", "client").Str("call_id", p.CallID).Msg("ringing for another offer ignored")
}

// HandleIncoming moves an idle widget to incoming. A busy one rejects the call.
func (n *Negotiator) HandleIncoming(p protocol.IncomingCall) {
	fx := n.lock()
	defer n.unlock(fx)

	if n.state != StateIdle {
		log.Info().Str("module", "client").Str("call_id", p.CallID).Str("from", p.From).Msg("busy, rejecting incoming call")
		n.emitLocked(protocol.EventCallRejected, protocol.CallControl{CallID: p.CallID, To: p.From, From: string(n.self)})
		return
	}
	callType, err := domain.ParseCallType(p.CallType)
	if err != nil {
		callType = domain.CallAudio
	}
	n.remote = domain.UserID(p.From)
	n.callID = p.CallID
	n.callType = callType
	n.offer = p.Offer
	n.setStateLocked(fx, StateIncoming)

	name := p.CallerName
	if name == "" {
		name = p.From
	}
	n.noticeLocked(fx, NoticeInfo, fmt.Sprintf("Incoming %s call from %s", callType, name))
}

// Accept answers the incoming call.
func (n *Negotiator) Accept(ctx context.Context) error {
	fx := n.lock()
	defer n.unlock(fx)

	if n.state != StateIncoming {
		return ErrNoIncomingCall
	}
	gen := n.gen
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(n.offer, &offer); err != nil {
		return n.failAcceptLocked(fx, err)
	}
	media, err := n.capture.Acquire(ctx, n.callType)
	if err != nil {
		return n.failAcceptLocked(fx, err)
	}
	n.media = media
	if err := n.newPeerLocked(gen); err != nil {
		return n.failAcceptLocked(fx, err)
	}
	if err := n.peer.SetRemoteDescription(offer); err != nil {
		return n.failAcceptLocked(fx, err)
	}
	n.flushPendingLocked()
	answer, err := n.peer.CreateAnswer(ctx)
	if err != nil {
		return n.failAcceptLocked(fx, err)
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return n.failAcceptLocked(fx, err)
	}
	if err := n.sig.Emit(protocol.EventCallAnswer, protocol.CallAnswer{
		To:     string(n.remote),
		From:   string(n.self),
		Answer: raw,
		CallID: n.callID,
	}); err != nil {
		return n.failLocked(fx, "Not connected to server.", err)
	}
	n.offer = nil
	n.setStateLocked(fx, StateActive)
	n.armTimeoutLocked(gen)
	log.Info().Str("module", "client").Str("call_id", n.callID).Msg("call accepted")
	return nil
}

// Reject declines the incoming call.
func (n *Negotiator) Reject() error {
	fx := n.lock()
	defer n.unlock(fx)
	if n.state != StateIncoming {
		return ErrNoIncomingCall
	}
	n.emitLocked(protocol.EventCallRejected, protocol.CallControl{CallID: n.callID, To: string(n.remote), From: string(n.self)})
	n.closeConnectionLocked(fx)
	return nil
}

// Hangup ends the current call from this side. Idle widgets ignore it.
func (n *Negotiator) Hangup() {
	fx := n.lock()
	defer n.unlock(fx)
	switch n.state {
	case StateIdle:
		return
	case StateIncoming:
		n.emitLocked(protocol.EventCallRejected, protocol.CallControl{CallID: n.callID, To: string(n.remote), From: string(n.self)})
	default:
		n.endLocked()
	}
	n.closeConnectionLocked(fx)
}

func (n *Negotiator) HandleAnswered(p protocol.CallAnswered) {
	fx := n.lock()
	defer n.unlock(fx)

	if n.state != StateCalling || (n.callID != "" && p.CallID != n.callID) || slices.Contains(n.stale, p.CallID) {
		log.Debug().Str("module", "client").Str("call_id", p.CallID).Str("state", string(n.state)).Msg("stray answer ignored")
		return
	}
	n.callID = p.CallID
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(p.Answer, &answer); err != nil {
		n.endLocked()
		_ = n.failLocked(fx, "Call failed: invalid answer", err)
		return
	}
	if err := n.peer.SetRemoteDescription(answer); err != nil {
		n.endLocked()
		_ = n.failLocked(fx, "Call failed: invalid answer", err)
		return
	}
	n.flushPendingLocked()
	n.setStateLocked(fx, StateActive)
}

// HandleCandidate applies a remote candidate, or buffers it until the peer
// has a remote description.
func (n *Negotiator) HandleCandidate(p protocol.ICECandidate) {
	fx := n.lock()
	defer n.unlock(fx)

	if n.state == StateIdle {
		log.Debug().Str("module", "client").Str("from", p.From).Msg("candidate without a call dropped")
		return
	}
	if p.From != "" && domain.UserID(p.From) != n.remote {
		log.Debug().Str("module", "client").Str("from", p.From).Msg("candidate from another user dropped")
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &c); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad candidate")
		return
	}
	if n.peer == nil || !n.peer.HasRemoteDescription() {
		n.pending = append(n.pending, c)
		return
	}
	if err := n.peer.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("add candidate")
	}
}

func (n *Negotiator) HandleEnded(p protocol.CallControl) {
	n.remoteExit(p.CallID, "", NoticeInfo, "Call ended")
}

func (n *Negotiator) HandleRejected(p protocol.CallControl) {
	n.remoteExit(p.CallID, "", NoticeWarning, "Call was rejected")
}

func (n *Negotiator) HandlePeerDisconnected(p protocol.PeerDisconnected) {
	n.remoteExit(p.CallID, "", NoticeWarning, "The other user disconnected")
}

func (n *Negotiator) HandleFailed(p protocol.CallFailed) {
	n.remoteExit(p.CallID, p.OfferID, NoticeError, "Call failed: "+p.Reason)
}

func (n *Negotiator) remoteExit(callID, offerID string, kind NoticeKind, text string) {
	fx := n.lock()
	defer n.unlock(fx)
	if offerID != "" {
		delete(n.abandoned, offerID)
		if offerID != n.offerID {
			log.Debug().Str("module", "client").Str("call_id", callID).Msg("event for another offer ignored")
			return
		}
	}
	if n.state == StateIdle {
		return
	}
	if callID != "" && n.callID != "" && callID != n.callID {
		log.Debug().Str("module", "client").Str("call_id", callID).Msg("event for another call ignored")
		return
	}
	// the server already closed this attempt
	n.offerID = ""
	n.closeConnectionLocked(fx)
	n.noticeLocked(fx, kind, text)
}

// ToggleMute flips the local track and reports the new muted state.
func (n *Negotiator) ToggleMute() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.media == nil {
		return false
	}
	muted := !n.media.Muted()
	n.media.SetMuted(muted)
	return muted
}

// Close tears down whatever call is in progress without signaling.
func (n *Negotiator) Close() {
	fx := n.lock()
	defer n.unlock(fx)
	n.closeConnectionLocked(fx)
}

// Dispatch routes a server event to its handler.
func (n *Negotiator) Dispatch(env protocol.Envelope) {
	var err error
	switch env.Event {
	case protocol.EventIncomingCall:
		var p protocol.IncomingCall
		if err = env.DecodeData(&p); err == nil {
			n.HandleIncoming(p)
		}
	case protocol.EventCallRinging:
		var p protocol.CallRinging
		if err = env.DecodeData(&p); err == nil {
			n.HandleRinging(p)
		}
	case protocol.EventCallAnswered:
		var p protocol.CallAnswered
		if err = env.DecodeData(&p); err == nil {
			n.HandleAnswered(p)
		}
	case protocol.EventICECandidate:
		var p protocol.ICECandidate
		if err = env.DecodeData(&p); err == nil {
			n.HandleCandidate(p)
		}
	case protocol.EventCallRejected:
		var p protocol.CallControl
		if err = env.DecodeData(&p); err == nil {
			n.HandleRejected(p)
		}
	case protocol.EventCallEnded:
		var p protocol.CallControl
		if err = env.DecodeData(&p); err == nil {
			n.HandleEnded(p)
		}
	case protocol.EventPeerDisconnected:
		var p protocol.PeerDisconnected
		if err = env.DecodeData(&p); err == nil {
			n.HandlePeerDisconnected(p)
		}
	case protocol.EventCallFailed:
		var p protocol.CallFailed
		if err = env.DecodeData(&p); err == nil {
			n.HandleFailed(p)
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "client").Str("event", env.Event.String()).Msg("bad payload")
	}
}

func (n *Negotiator) newPeerLocked(gen uint64) error {
	peer, err := n.peers.NewPeer(PeerEvents{
		OnICECandidate: func(c webrtc.ICECandidateInit) { n.onLocalCandidate(gen, c) },
		OnStateChange:  func(s webrtc.PeerConnectionState) { n.onPeerState(gen, s) },
		OnTrack: func(t *webrtc.TrackRemote) {
			log.Info().Str("module", "client").Str("kind", t.Kind().String()).Str("track_id", t.ID()).Msg("remote track")
		},
	})
	if err != nil {
		return err
	}
	n.peer = peer
	return peer.AddLocal(n.media)
}

func (n *Negotiator) onLocalCandidate(gen uint64, c webrtc.ICECandidateInit) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.gen || n.state == StateIdle {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	n.emitLocked(protocol.EventICECandidate, protocol.ICECandidate{To: string(n.remote), From: string(n.self), Candidate: raw})
}

func (n *Negotiator) onPeerState(gen uint64, s webrtc.PeerConnectionState) {
	fx := n.lock()
	defer n.unlock(fx)
	if gen != n.gen {
		return
	}
	log.Debug().Str("module", "client").Str("call_id", n.callID).Str("peer_state", s.String()).Msg("peer state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if n.state != StateActive || n.ticker != nil {
			return
		}
		if n.timer != nil {
			n.timer.Stop()
			n.timer = nil
		}
		n.seconds = 0
		n.ticker = n.clock.NewTicker(time.Second)
		n.tickDone = make(chan struct{})
		go n.countDuration(gen, n.ticker, n.tickDone)
	case webrtc.PeerConnectionStateFailed:
		n.endLocked()
		_ = n.failLocked(fx, "Connection failed", errors.New("peer connection failed"))
	}
}

func (n *Negotiator) countDuration(gen uint64, t Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-t.C():
			n.mu.Lock()
			if gen != n.gen {
				n.mu.Unlock()
				return
			}
			n.seconds++
			d := time.Duration(n.seconds) * time.Second
			l := n.listener
			n.mu.Unlock()
			l.OnDuration(d)
		}
	}
}

func (n *Negotiator) armTimeoutLocked(gen uint64) {
	if n.timeout <= 0 || n.timer != nil {
		return
	}
	n.timer = n.clock.AfterFunc(n.timeout, func() { n.onTimeout(gen) })
}

func (n *Negotiator) onTimeout(gen uint64) {
	fx := n.lock()
	defer n.unlock(fx)
	if gen != n.gen || n.state == StateIdle || n.ticker != nil {
		return
	}
	n.timer = nil
	n.endLocked()
	_ = n.failLocked(fx, "Call timed out", errors.New("negotiation timeout"))
}

// flushPendingLocked applies buffered candidates in arrival order.
func (n *Negotiator) flushPendingLocked() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.peer.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("add buffered candidate")
		}
	}
}

// endLocked tells the server this side hung up, once the call id is known.
func (n *Negotiator) endLocked() {
	if n.callID == "" {
		return
	}
	n.emitLocked(protocol.EventEndCall, protocol.CallControl{CallID: n.callID, To: string(n.remote), From: string(n.self)})
}

func (n *Negotiator) emitLocked(ev protocol.Event, payload any) {
	if err := n.sig.Emit(ev, payload); err != nil {
		log.Warn().Err(err).Str("module", "client").Str("event", ev.String()).Msg("emit failed")
	}
}

func (n *Negotiator) failAcceptLocked(fx *effects, err error) error {
	n.emitLocked(protocol.EventCallRejected, protocol.CallControl{CallID: n.callID, To: string(n.remote), From: string(n.self)})
	return n.failLocked(fx, "Failed to accept call. Please check microphone permissions.", err)
}

func (n *Negotiator) failLocked(fx *effects, text string, err error) error {
	log.Error().Err(err).Str("module", "client").Str("call_id", n.callID).Msg(text)
	n.closeConnectionLocked(fx)
	n.noticeLocked(fx, NoticeError, text)
	return fmt.Errorf("%s: %w", text, err)
}

// closeConnectionLocked releases every resource of the current attempt.
// Safe to call any number of times.
func (n *Negotiator) closeConnectionLocked(fx *effects) {
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.ticker != nil {
		n.ticker.Stop()
		close(n.tickDone)
		n.ticker, n.tickDone = nil, nil
	}
	if m := n.media; m != nil {
		fx.release = append(fx.release, m.Stop)
		n.media = nil
	}
	if p := n.peer; p != nil {
		fx.release = append(fx.release, func() {
			if err := p.Close(); err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("close peer")
			}
		})
		n.peer = nil
	}
	if n.state == StateCalling && n.callID == "" && n.offerID != "" {
		n.abandonLocked(n.offerID, n.remote)
	}
	n.pending = nil
	n.offer = nil
	n.offerID = ""
	n.callID = ""
	n.seconds = 0
	n.remote = n.fallback
	n.setStateLocked(fx, StateIdle)
}

func (n *Negotiator) abandonLocked(offerID string, callee domain.UserID) {
	if n.abandoned == nil {
		n.abandoned = make(map[string]domain.UserID)
	}
	if len(n.abandoned) >= maxAbandoned {
		for k := range n.abandoned {
			delete(n.abandoned, k)
			break
		}
	}
	n.abandoned[offerID] = callee
}

func (n *Negotiator) setStateLocked(fx *effects, s State) {
	if n.state == s {
		return
	}
	n.state = s
	l := n.listener
	fx.notify = append(fx.notify, func() { l.OnState(s) })
}

func (n *Negotiator) noticeLocked(fx *effects, kind NoticeKind, text string) {
	l := n.listener
	notice := Notice{Kind: kind, Text: text}
	fx.notify = append(fx.notify, func() { l.OnNotice(notice) })
}
