package app

import (
	"sync"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomManager multiplexes connections into chat rooms.
type RoomManager struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]core.RoomService
	joined map[core.ConnID]map[domain.RoomID]struct{}
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:  make(map[domain.RoomID]core.RoomService),
		joined: make(map[core.ConnID]map[domain.RoomID]struct{}),
	}
}

// Join is idempotent.
func (m *RoomManager) Join(cid core.ConnID, id domain.RoomID, conn core.SignalConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		room = core.NewRoomService(id)
		m.rooms[id] = room
	}
	room.AddMember(cid, conn)
	set, ok := m.joined[cid]
	if !ok {
		set = make(map[domain.RoomID]struct{})
		m.joined[cid] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "app.rooms").Str("conn", string(cid)).Str("room", string(id)).Msg("joined room")
}

func (m *RoomManager) Leave(cid core.ConnID, id domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(cid, id)
	log.Info().Str("module", "app.rooms").Str("conn", string(cid)).Str("room", string(id)).Msg("left room")
}

// LeaveAll removes cid from every room it joined.
func (m *RoomManager) LeaveAll(cid core.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.joined[cid] {
		m.leaveLocked(cid, id)
	}
	delete(m.joined, cid)
}

func (m *RoomManager) leaveLocked(cid core.ConnID, id domain.RoomID) {
	if set, ok := m.joined[cid]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.joined, cid)
		}
	}
	room, ok := m.rooms[id]
	if !ok {
		return
	}
	room.RemoveMember(cid)
	if room.MemberCount() == 0 {
		delete(m.rooms, id)
	}
}

// Broadcast fans data out to every member of the room, sender included.
func (m *RoomManager) Broadcast(id domain.RoomID, data core.Frame) core.PublishResult {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok {
		return core.PublishResult{}
	}
	return room.Broadcast(data)
}

func (m *RoomManager) RoomsOf(cid core.ConnID) []domain.RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(m.joined[cid]))
	for id := range m.joined[cid] {
		out = append(out, id)
	}
	return out
}

func (m *RoomManager) List() []core.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(m.rooms))
	for id, r := range m.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: r.MemberCount()})
	}
	return out
}
