package app

import (
	"sync"
	"testing"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/stretchr/testify/assert"
)

type memConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *memConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return assert.AnError
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *memConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *memConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestRoomManagerJoinIsIdempotent(t *testing.T) {
	m := NewRoomManager()
	conn := &memConn{}
	m.Join("c1", "r1", conn)
	m.Join("c1", "r1", conn)

	res := m.Broadcast("r1", core.Frame("x"))
	assert.Equal(t, 1, res.SendTo)
	assert.Equal(t, 1, conn.count())
}

func TestRoomManagerBroadcastIncludesSender(t *testing.T) {
	m := NewRoomManager()
	sender, other, outsider := &memConn{}, &memConn{}, &memConn{}
	m.Join("c1", "r1", sender)
	m.Join("c2", "r1", other)
	m.Join("c3", "r2", outsider)

	m.Broadcast("r1", core.Frame("hello"))
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 1, other.count())
	assert.Zero(t, outsider.count())
}

func TestRoomManagerLeaveAll(t *testing.T) {
	m := NewRoomManager()
	conn := &memConn{}
	m.Join("c1", "r1", conn)
	m.Join("c1", "r2", conn)
	assert.ElementsMatch(t, []domain.RoomID{"r1", "r2"}, m.RoomsOf("c1"))

	m.LeaveAll("c1")
	assert.Empty(t, m.RoomsOf("c1"))
	assert.Empty(t, m.List(), "empty rooms are discarded")
	assert.Zero(t, m.Broadcast("r1", core.Frame("x")).SendTo)
}

func TestRoomManagerLeave(t *testing.T) {
	m := NewRoomManager()
	m.Join("c1", "r1", &memConn{})
	m.Join("c2", "r1", &memConn{})
	m.Leave("c1", "r1")

	rooms := m.List()
	if assert.Len(t, rooms, 1) {
		assert.Equal(t, 1, rooms[0].MemberCount)
	}
}
