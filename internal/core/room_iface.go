package core

import (
	"github.com/dkeye/FindIt/internal/domain"
)

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SendTo  int
	Dropped []ConnID
}

// RoomService is the core-facing API of a chat room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	ID() domain.RoomID
	MemberCount() int
	Members() []ConnID

	AddMember(cid ConnID, conn SignalConnection)
	RemoveMember(cid ConnID) bool
	// Broadcast delivers to every member, the sender included.
	Broadcast(data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"client_count"`
}
