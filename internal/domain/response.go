package domain

import (
	"errors"
	"time"
)

type ResponseID string

type ResponseStatus string

const (
	ResponsePending  ResponseStatus = "Pending"
	ResponseAccepted ResponseStatus = "Accepted"
	ResponseRejected ResponseStatus = "Rejected"
)

var (
	ErrNotParticipant = errors.New("not authorized to access this chat")
	ErrNotAccepted    = errors.New("chat is only available for accepted responses")
)

// Response is the read-only view of a response to an item posting.
// The approval workflow that moves it between statuses lives outside this service.
type Response struct {
	ID        ResponseID     `json:"id"`
	ItemOwner UserID         `json:"itemOwner"`
	Responder UserID         `json:"responder"`
	Status    ResponseStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ChatAllowed returns nil when uid may chat and call within this response.
func (r Response) ChatAllowed(uid UserID) error {
	if uid != r.ItemOwner && uid != r.Responder {
		return ErrNotParticipant
	}
	if r.Status != ResponseAccepted {
		return ErrNotAccepted
	}
	return nil
}

// Counterpart returns the other participant.
func (r Response) Counterpart(uid UserID) UserID {
	if uid == r.ItemOwner {
		return r.Responder
	}
	return r.ItemOwner
}
