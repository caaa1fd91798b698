package core

import (
	"sync"

	"github.com/dkeye/FindIt/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	id     domain.RoomID
	mu     sync.RWMutex
	byConn map[ConnID]SignalConnection
}

func NewRoomService(id domain.RoomID) RoomService {
	return &roomImpl{
		id:     id,
		byConn: make(map[ConnID]SignalConnection),
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *roomImpl) Members() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnID, 0, len(r.byConn))
	for cid := range r.byConn {
		out = append(out, cid)
	}
	return out
}

func (r *roomImpl) AddMember(cid ConnID, conn SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[cid] = conn
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("conn", string(cid)).Msg("member added")
}

func (r *roomImpl) RemoveMember(cid ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[cid]; !ok {
		return false
	}
	delete(r.byConn, cid)
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("conn", string(cid)).Msg("member removed")
	return true
}

func (r *roomImpl) Broadcast(data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for cid, conn := range r.byConn {
		if err := conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, cid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
