package app

import (
	"context"
	"sync"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/metrics"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry tracks every live connection, registered or not.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[core.ConnID]*connEntry),
	}
}

func (r *Registry) Bind(cid core.ConnID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[cid] = &connEntry{Conn: conn, Cancel: cancel}
	metrics.ActiveConnections.Set(float64(len(r.conns)))
	log.Info().Str("module", "app.registry").Str("conn", string(cid)).Msg("bound connection")
}

func (r *Registry) Get(cid core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[cid]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Unbind forgets the connection. It reports whether it was still bound.
func (r *Registry) Unbind(cid core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[cid]; !ok {
		return false
	}
	delete(r.conns, cid)
	metrics.ActiveConnections.Set(float64(len(r.conns)))
	log.Info().Str("module", "app.registry").Str("conn", string(cid)).Msg("unbind connection")
	return true
}

type ConnSnap struct {
	ID   core.ConnID
	Conn core.SignalConnection
}

func (r *Registry) All() []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnSnap, 0, len(r.conns))
	for cid, e := range r.conns {
		out = append(out, ConnSnap{ID: cid, Conn: e.Conn})
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Cancel stops the connection's pumps; the adapter then runs disconnect.
func (r *Registry) Cancel(cid core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[cid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(cid)).Msg("canceled connection")
	return true
}
