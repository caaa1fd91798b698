package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/FindIt/internal/app/relay"
	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/dkeye/FindIt/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const ctxResponse = "response"

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers serves the REST surface. Messages, Calls and Directory are nil when
// storage is disabled; the endpoints that need them then answer 503.
type Handlers struct {
	Relay     *relay.Relay
	Messages  core.MessageStore
	Calls     core.CallStore
	Directory core.ResponseDirectory
	Sessions  core.SessionStore
	Storage   Pinger
	Now       func() time.Time
}

type activeCallDTO struct {
	CallID      domain.CallID     `json:"callId"`
	Caller      domain.UserID     `json:"caller"`
	Callee      domain.UserID     `json:"callee"`
	CallType    domain.CallType   `json:"callType"`
	Status      domain.CallStatus `json:"status"`
	ResponseID  domain.ResponseID `json:"responseId,omitempty"`
	RingStarted time.Time         `json:"ringStarted"`
	ConnectedAt *time.Time        `json:"connectedAt,omitempty"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handlers) health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if h.Storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Storage.Ping(ctx); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("storage ping failed")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":      status,
		"connections": h.Relay.Registry.Count(),
		"online":      len(h.Relay.Presence.Online()),
		"activeCalls": h.Relay.Calls.Len(),
	})
}

func (h *Handlers) onlineUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.Relay.Presence.Online()})
}

func (h *Handlers) userSession(c *gin.Context) {
	if h.Sessions == nil {
		abortError(c, http.StatusServiceUnavailable, "session store disabled")
		return
	}
	sess, err := h.Sessions.Get(c.Request.Context(), domain.UserID(c.Param("userId")))
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("session lookup failed")
		abortError(c, http.StatusInternalServerError, "session lookup failed")
		return
	}
	if sess == nil {
		abortError(c, http.StatusNotFound, "user is not online")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) activeCalls(c *gin.Context) {
	snap := h.Relay.Calls.Snapshot()
	out := make([]activeCallDTO, 0, len(snap))
	for _, call := range snap {
		dto := activeCallDTO{
			CallID:      call.ID,
			Caller:      call.Caller,
			Callee:      call.Callee,
			CallType:    call.Type,
			Status:      call.Status,
			ResponseID:  call.ResponseID,
			RingStarted: call.RingStarted,
		}
		if !call.ConnectedAt.IsZero() {
			at := call.ConnectedAt
			dto.ConnectedAt = &at
		}
		out = append(out, dto)
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

// chatAccess loads the conversation and checks the caller may use it.
func (h *Handlers) chatAccess(c *gin.Context) {
	if h.Directory == nil || h.Messages == nil {
		abortError(c, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	rid := domain.ResponseID(c.Param("responseId"))
	resp, err := h.Directory.Response(c.Request.Context(), rid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		abortError(c, http.StatusNotFound, "conversation not found")
		return
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Str("response_id", string(rid)).Msg("load response")
		abortError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if err := resp.ChatAllowed(userOf(c)); err != nil {
		abortError(c, http.StatusForbidden, err.Error())
		return
	}
	c.Set(ctxResponse, resp)
	c.Next()
}

func (h *Handlers) chatHistory(c *gin.Context) {
	rid := domain.ResponseID(c.Param("responseId"))
	msgs, err := h.Messages.MessagesForResponse(c.Request.Context(), rid)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("response_id", string(rid)).Msg("load messages")
		abortError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handlers) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	rid := domain.ResponseID(c.Param("responseId"))
	msg, err := domain.NewMessage(rid, userOf(c), req.Content, h.now())
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Messages.SaveMessage(c.Request.Context(), msg); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("response_id", string(rid)).Msg("save message")
		abortError(c, http.StatusInternalServerError, "internal error")
		return
	}
	n := h.Relay.BroadcastRoom(domain.RoomID(rid), protocol.EventMessage, msg)
	log.Debug().Str("module", "adapters.http").Str("response_id", string(rid)).Int("delivered", n).Msg("message stored")
	c.JSON(http.StatusCreated, msg)
}

func (h *Handlers) markRead(c *gin.Context) {
	rid := domain.ResponseID(c.Param("responseId"))
	n, err := h.Messages.MarkRead(c.Request.Context(), rid, userOf(c))
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("response_id", string(rid)).Msg("mark read")
		abortError(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (h *Handlers) callHistory(c *gin.Context) {
	if h.Calls == nil {
		abortError(c, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	rid := domain.ResponseID(c.Param("responseId"))
	calls, err := h.Calls.CallsForResponse(c.Request.Context(), rid)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("response_id", string(rid)).Msg("load calls")
		abortError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if calls == nil {
		calls = []domain.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}
