package core

import (
	"context"

	"github.com/dkeye/FindIt/internal/domain"
)

// ConnID identifies one live transport session. Issued by the adapter on connect.
type ConnID string

// CallStore persists call history. The relay never depends on it succeeding.
type CallStore interface {
	CreateCall(ctx context.Context, rec domain.CallRecord) error
	UpdateCall(ctx context.Context, id domain.CallID, upd domain.CallUpdate) error
	CallsForResponse(ctx context.Context, rid domain.ResponseID) ([]domain.CallRecord, error)
}

// MessageStore persists chat messages of a conversation.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *domain.Message) error
	MessagesForResponse(ctx context.Context, rid domain.ResponseID) ([]domain.Message, error)
	MarkRead(ctx context.Context, rid domain.ResponseID, uid domain.UserID) (int64, error)
}

// ResponseDirectory is the read side of the response approval workflow.
type ResponseDirectory interface {
	Response(ctx context.Context, id domain.ResponseID) (domain.Response, error)
}

// CallEventPublisher hands call status changes to downstream consumers.
type CallEventPublisher interface {
	Publish(ctx context.Context, ev domain.CallEvent) error
	Close() error
}
