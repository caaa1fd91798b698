package relay

import (
	"context"
	"errors"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/metrics"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	errRoomBuffer           = errors.New("room member send buffer full")
	errConversationNotFound = errors.New("conversation not found")
)

func (r *Relay) handleRegister(cid core.ConnID, env protocol.Envelope) {
	var p protocol.RegisterUser
	if err := env.DecodeData(&p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("conn", string(cid)).Msg("bad register payload")
		r.sendError(cid, env.Event.String(), "Invalid payload")
		return
	}
	uid, err := domain.ParseUserID(p.UserID)
	if err != nil {
		r.sendError(cid, env.Event.String(), err.Error())
		return
	}
	if auth := r.authUser(cid); auth != "" && auth != uid {
		metrics.AuthFailures.WithLabelValues("identity_mismatch").Inc()
		log.Warn().Str("module", "relay").Str("conn", string(cid)).Str("user", string(uid)).Str("auth_user", string(auth)).Msg("register rejected")
		r.sendError(cid, env.Event.String(), "Identity mismatch")
		return
	}

	prev, hadPrev := r.Presence.UserOf(cid)
	online := r.Presence.Register(uid, cid)
	if hadPrev && prev != uid {
		// The old identity has no connection left; its calls cannot continue.
		log.Info().Str("module", "relay").Str("conn", string(cid)).Str("user", string(uid)).Str("previous", string(prev)).Msg("identity switched")
		r.mirror("delete", prev, func(ctx context.Context) error { return r.sessions.Delete(ctx, prev) })
		r.failCallsOf(prev)
	}
	r.mirror("create", uid, func(ctx context.Context) error {
		return r.sessions.Create(ctx, &core.Session{
			UserID:      uid,
			ConnID:      cid,
			ServerID:    r.opts.ServerID,
			ConnectedAt: r.now(),
		})
	})
	r.broadcastOnline(online)
}

func (r *Relay) handleJoinRoom(cid core.ConnID, env protocol.Envelope) {
	id, ok := r.roomOf(cid, env)
	if !ok {
		return
	}
	if r.opts.RequireAccepted && r.directory != nil {
		uid, ok := r.Presence.UserOf(cid)
		if !ok {
			r.sendError(cid, env.Event.String(), protocol.ReasonNotRegistered)
			return
		}
		if err := r.chatAllowed(domain.ResponseID(id), uid); err != nil {
			log.Info().Err(err).Str("module", "relay").Str("user", string(uid)).Str("room", string(id)).Msg("join denied")
			r.sendError(cid, env.Event.String(), err.Error())
			return
		}
	}
	conn, ok := r.Registry.Get(cid)
	if !ok {
		return
	}
	r.Rooms.Join(cid, id, conn)
}

func (r *Relay) chatAllowed(rid domain.ResponseID, uid domain.UserID) error {
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()
	resp, err := r.directory.Response(ctx, rid)
	if err != nil {
		return errConversationNotFound
	}
	return resp.ChatAllowed(uid)
}

func (r *Relay) handleLeaveRoom(cid core.ConnID, env protocol.Envelope) {
	id, ok := r.roomOf(cid, env)
	if !ok {
		return
	}
	r.Rooms.Leave(cid, id)
}

func (r *Relay) roomOf(cid core.ConnID, env protocol.Envelope) (domain.RoomID, bool) {
	var p protocol.RoomRef
	if err := env.DecodeData(&p); err != nil {
		r.sendError(cid, env.Event.String(), "Invalid payload")
		return "", false
	}
	id, err := domain.ParseRoomID(p.RoomID)
	if err != nil {
		r.sendError(cid, env.Event.String(), err.Error())
		return "", false
	}
	return id, true
}

// handleSendMessage relays the payload verbatim to the room, sender included.
func (r *Relay) handleSendMessage(cid core.ConnID, env protocol.Envelope) {
	var p protocol.ChatMessage
	if err := env.DecodeData(&p); err != nil {
		r.sendError(cid, env.Event.String(), "Invalid payload")
		return
	}
	id, err := domain.ParseRoomID(p.Room())
	if err != nil {
		r.sendError(cid, env.Event.String(), err.Error())
		return
	}
	n := r.BroadcastRoom(id, protocol.EventMessage, env.Data)
	metrics.MessagesBroadcast.Inc()
	log.Debug().Str("module", "relay").Str("conn", string(cid)).Str("room", string(id)).Int("delivered", n).Msg("message relayed")
}
