package core

import (
	"context"
	"time"

	"github.com/dkeye/FindIt/internal/domain"
)

// Session mirrors a presence entry into a shared store so other services
// can see which node holds a user's connection.
type Session struct {
	UserID      domain.UserID `json:"user_id"`
	ConnID      ConnID        `json:"conn_id"`
	ServerID    string        `json:"server_id"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// SessionStore is the mirror. Presence in memory stays authoritative.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	// Get returns nil, nil when no session exists.
	Get(ctx context.Context, uid domain.UserID) (*Session, error)
	Delete(ctx context.Context, uid domain.UserID) error
	RefreshTTL(ctx context.Context, uid domain.UserID) error
}
