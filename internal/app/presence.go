package app

import (
	"sort"
	"sync"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Presence maps a user identity to its current live connection.
// At most one connection per user; the last registration wins.
type Presence struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]core.ConnID
	byConn map[core.ConnID]domain.UserID
}

func NewPresence() *Presence {
	return &Presence{
		byUser: make(map[domain.UserID]core.ConnID),
		byConn: make(map[core.ConnID]domain.UserID),
	}
}

// Register binds uid to cid and returns the online snapshot to broadcast.
func (p *Presence) Register(uid domain.UserID, cid core.ConnID) []domain.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Same connection re-registering under another identity drops the old one.
	if prevUser, ok := p.byConn[cid]; ok && prevUser != uid {
		if p.byUser[prevUser] == cid {
			delete(p.byUser, prevUser)
		}
	}
	// A user moving to a new connection leaves the old connection unowned.
	if prevConn, ok := p.byUser[uid]; ok && prevConn != cid {
		delete(p.byConn, prevConn)
	}
	p.byUser[uid] = cid
	p.byConn[cid] = uid
	metrics.OnlineUsers.Set(float64(len(p.byUser)))

	log.Info().Str("module", "app.presence").Str("user", string(uid)).Str("conn", string(cid)).Msg("registered")
	return p.onlineLocked()
}

func (p *Presence) Resolve(uid domain.UserID) (core.ConnID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cid, ok := p.byUser[uid]
	return cid, ok
}

// UserOf returns the identity whose presence entry points at cid.
func (p *Presence) UserOf(cid core.ConnID) (domain.UserID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	uid, ok := p.byConn[cid]
	return uid, ok
}

// Unregister removes the entry owned by cid, if any.
func (p *Presence) Unregister(cid core.ConnID) (domain.UserID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	uid, ok := p.byConn[cid]
	if !ok {
		return "", false
	}
	delete(p.byConn, cid)
	if p.byUser[uid] == cid {
		delete(p.byUser, uid)
	}
	metrics.OnlineUsers.Set(float64(len(p.byUser)))
	log.Info().Str("module", "app.presence").Str("user", string(uid)).Str("conn", string(cid)).Msg("unregistered")
	return uid, true
}

func (p *Presence) Online() []domain.UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onlineLocked()
}

func (p *Presence) onlineLocked() []domain.UserID {
	out := make([]domain.UserID, 0, len(p.byUser))
	for uid := range p.byUser {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
