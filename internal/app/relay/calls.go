package relay

import (
	"context"
	"strings"
	"time"

	"github.com/dkeye/FindIt/internal/app"
	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/rs/zerolog/log"
)

const maxSweepInterval = time.Second

func (r *Relay) handleCallOffer(cid core.ConnID, env protocol.Envelope) {
	var p protocol.CallOffer
	if err := env.DecodeData(&p); err != nil {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonInvalidCall})
		return
	}
	caller := r.identity(cid, p.From)
	callee := domain.UserID(strings.TrimSpace(p.To))
	if caller == "" || callee == "" || caller == callee {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonInvalidCall, To: p.To, OfferID: p.OfferID})
		return
	}
	callType, err := domain.ParseCallType(p.CallType)
	if err != nil {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonInvalidCallType, To: p.To, OfferID: p.OfferID})
		return
	}
	now := r.now()
	if r.limiter != nil && !r.limiter.Allow(caller, now) {
		log.Warn().Str("module", "relay").Str("user", string(caller)).Msg("call offer rate limited")
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonTooManyCalls, To: p.To, OfferID: p.OfferID})
		return
	}

	call := app.ActiveCall{
		ID:          r.newID(),
		Caller:      caller,
		Callee:      callee,
		CallerName:  p.CallerName,
		Type:        callType,
		ResponseID:  domain.ResponseID(p.ResponseID),
		RingStarted: now,
	}
	if err := r.Calls.Begin(call); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("call_id", string(call.ID)).Msg("begin call")
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonServerError, OfferID: p.OfferID})
		return
	}
	r.recorder.Created(domain.CallRecord{
		ID:         call.ID,
		Caller:     caller,
		Callee:     callee,
		CallerName: call.CallerName,
		Type:       callType,
		Status:     domain.CallRinging,
		ResponseID: call.ResponseID,
		CreatedAt:  now,
	})

	target, online := r.Presence.Resolve(callee)
	if !online {
		if out, err := r.Calls.Finish(call.ID, domain.CallMissed, now); err == nil {
			r.record(out)
		}
		log.Info().Str("module", "relay").Str("call_id", string(call.ID)).Str("callee", string(callee)).Msg("callee offline")
		r.callFailed(cid, protocol.CallFailed{
			Reason:  protocol.ReasonNotOnline,
			To:      string(callee),
			CallID:  string(call.ID),
			OfferID: p.OfferID,
		})
		return
	}

	r.send(target, protocol.EventIncomingCall, protocol.IncomingCall{
		From:       string(caller),
		Offer:      p.Offer,
		CallType:   string(callType),
		CallID:     string(call.ID),
		CallerName: call.CallerName,
		ResponseID: string(call.ResponseID),
	})
	r.send(cid, protocol.EventCallRinging, protocol.CallRinging{
		CallID:  string(call.ID),
		To:      string(callee),
		OfferID: p.OfferID,
	})
}

func (r *Relay) handleCallAnswer(cid core.ConnID, env protocol.Envelope) {
	var p protocol.CallAnswer
	if err := env.DecodeData(&p); err != nil {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonInvalidCall})
		return
	}
	id := domain.CallID(p.CallID)
	answerer := r.identity(cid, p.From)

	entry, ok := r.Calls.Get(id)
	if !ok || entry.Status != domain.CallRinging {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonCallNotActive, CallID: p.CallID})
		return
	}
	if entry.Callee != answerer {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonNotParticipant, CallID: p.CallID})
		return
	}
	now := r.now()
	entry, err := r.Calls.Connect(id, now)
	if err != nil {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonCallNotActive, CallID: p.CallID})
		return
	}
	r.recorder.Updated(id, domain.CallUpdate{Status: domain.CallConnected, StartedAt: &now}, nil)

	// The call stays connected even when the caller cannot be reached.
	if !r.sendToUser(entry.Caller, protocol.EventCallAnswered, protocol.CallAnswered{
		From:   string(answerer),
		Answer: p.Answer,
		CallID: p.CallID,
	}) {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonCallerDisconnected, CallID: p.CallID})
	}
}

// handleICECandidate forwards without touching call state.
func (r *Relay) handleICECandidate(cid core.ConnID, env protocol.Envelope) {
	var p protocol.ICECandidate
	if err := env.DecodeData(&p); err != nil {
		log.Debug().Err(err).Str("module", "relay").Str("conn", string(cid)).Msg("bad candidate payload")
		return
	}
	to := domain.UserID(strings.TrimSpace(p.To))
	if to == "" {
		return
	}
	r.sendToUser(to, protocol.EventICECandidate, protocol.ICECandidate{
		From:      string(r.identity(cid, p.From)),
		Candidate: p.Candidate,
	})
}

func (r *Relay) handleCallRejected(cid core.ConnID, env protocol.Envelope) {
	r.finishByParticipant(cid, env, domain.CallRejected, protocol.EventCallRejected)
}

func (r *Relay) handleEndCall(cid core.ConnID, env protocol.Envelope) {
	r.finishByParticipant(cid, env, domain.CallCompleted, protocol.EventCallEnded)
}

// finishByParticipant ends a call on behalf of one participant and notifies
// the other. Unknown or already finished calls are ignored.
func (r *Relay) finishByParticipant(cid core.ConnID, env protocol.Envelope, status domain.CallStatus, notify protocol.Event) {
	var p protocol.CallControl
	if err := env.DecodeData(&p); err != nil {
		r.callFailed(cid, protocol.CallFailed{Reason: protocol.ReasonInvalidCall})
		return
	}
	id := domain.CallID(p.CallID)
	actor := r.identity(cid, p.From)

	entry, ok := r.Calls.Get(id)
	if !ok {
		log.Debug().Str("module", "relay").Str("call_id", p.CallID).Str("event", env.Event.String()).Msg("no active call, ignored")
		return
	}
	peer, ok := entry.Peer(actor)
	if !ok {
		log.Warn().Str("module", "relay").Str("call_id", p.CallID).Str("user", string(actor)).Msg("not a participant")
		return
	}
	out, err := r.Calls.Finish(id, status, r.now())
	if err != nil {
		log.Debug().Err(err).Str("module", "relay").Str("call_id", p.CallID).Msg("finish ignored")
		return
	}
	r.record(out)
	r.sendToUser(peer, notify, protocol.CallControl{From: string(actor), CallID: p.CallID})
}

func (r *Relay) callFailed(cid core.ConnID, p protocol.CallFailed) {
	r.send(cid, protocol.EventCallFailed, p)
}

// record enqueues the terminal write of a call and its outcome event.
func (r *Relay) record(out app.Outcome) {
	ev := domain.CallEvent{
		CallID:     out.Call.ID,
		Caller:     out.Call.Caller,
		Callee:     out.Call.Callee,
		CallerName: out.Call.CallerName,
		Type:       out.Call.Type,
		ResponseID: out.Call.ResponseID,
		Status:     out.Status,
		Duration:   out.Duration,
		At:         out.EndedAt,
	}
	r.recorder.Updated(out.Call.ID, out.Update(), &ev)
}

// Run sweeps unanswered calls and idle rate limiter entries until ctx is
// done. It returns at once when neither ring timeout nor offer limit is on.
func (r *Relay) Run(ctx context.Context) {
	if r.opts.RingTimeout <= 0 && r.limiter == nil {
		return
	}
	interval := maxSweepInterval
	if r.opts.RingTimeout > 0 && r.opts.RingTimeout/2 < interval {
		interval = r.opts.RingTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Relay) sweep() {
	r.ExpireRinging()
	if r.limiter != nil {
		r.limiter.Sweep(r.now())
	}
}

// ExpireRinging marks calls that rang past the timeout as missed.
func (r *Relay) ExpireRinging() int {
	if r.opts.RingTimeout <= 0 {
		return 0
	}
	now := r.now()
	n := 0
	for _, call := range r.Calls.RingingSince(now.Add(-r.opts.RingTimeout)) {
		out, err := r.Calls.Finish(call.ID, domain.CallMissed, now)
		if err != nil {
			continue
		}
		n++
		r.record(out)
		failed := protocol.CallFailed{Reason: protocol.ReasonNoAnswer, CallID: string(call.ID)}
		r.sendToUser(call.Caller, protocol.EventCallFailed, failed)
		r.sendToUser(call.Callee, protocol.EventCallFailed, failed)
		log.Info().Str("module", "relay").Str("call_id", string(call.ID)).Msg("ring timeout")
	}
	return n
}
