package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeConn struct {
	frames []Frame
	full   bool
}

func (f *fakeConn) TrySend(fr Frame) error {
	if f.full {
		return errors.New("full")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {}

func TestRoomBroadcastReachesEveryMember(t *testing.T) {
	room := NewRoomService("r1")
	a, b := &fakeConn{}, &fakeConn{}
	room.AddMember("a", a)
	room.AddMember("b", b)
	room.AddMember("a", a)

	assert.Equal(t, 2, room.MemberCount())

	res := room.Broadcast(Frame("hi"))
	assert.Equal(t, 2, res.SendTo)
	assert.Empty(t, res.Dropped)
	assert.Len(t, a.frames, 1)
	assert.Len(t, b.frames, 1)
}

func TestRoomBroadcastReportsDropped(t *testing.T) {
	room := NewRoomService("r1")
	room.AddMember("ok", &fakeConn{})
	room.AddMember("slow", &fakeConn{full: true})

	res := room.Broadcast(Frame("hi"))
	assert.Equal(t, 1, res.SendTo)
	assert.Equal(t, []ConnID{"slow"}, res.Dropped)
}

func TestRoomRemoveMember(t *testing.T) {
	room := NewRoomService("r1")
	room.AddMember("a", &fakeConn{})
	assert.True(t, room.RemoveMember("a"))
	assert.False(t, room.RemoveMember("a"))
	assert.Zero(t, room.MemberCount())
}
