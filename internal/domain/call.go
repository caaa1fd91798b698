package domain

import (
	"errors"
	"time"
)

type CallID string

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

var ErrCallTypeInvalid = errors.New("invalid call type")

func ParseCallType(raw string) (CallType, error) {
	switch CallType(raw) {
	case CallAudio, CallVideo:
		return CallType(raw), nil
	}
	return "", ErrCallTypeInvalid
}

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallCompleted CallStatus = "completed"
	CallRejected  CallStatus = "rejected"
	CallMissed    CallStatus = "missed"
	CallFailed    CallStatus = "failed"
)

var transitions = map[CallStatus][]CallStatus{
	CallInitiated: {CallRinging, CallMissed, CallFailed},
	CallRinging:   {CallConnected, CallRejected, CallMissed, CallCompleted, CallFailed},
	CallConnected: {CallCompleted, CallFailed},
}

// IsTerminal reports whether no further transition is allowed.
func (s CallStatus) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether s -> next moves forward along the call state machine.
func (s CallStatus) CanTransition(next CallStatus) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// HasDuration reports whether a duration is recorded for this final status.
func (s CallStatus) HasDuration() bool {
	return s == CallCompleted || s == CallFailed
}

// CallRecord is the persisted history of one call attempt.
type CallRecord struct {
	ID         CallID     `json:"id"`
	Caller     UserID     `json:"caller"`
	Callee     UserID     `json:"callee"`
	CallerName string     `json:"callerName,omitempty"`
	Type       CallType   `json:"callType"`
	Status     CallStatus `json:"status"`
	ResponseID ResponseID `json:"responseId"`
	Duration   int64      `json:"duration"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// CallUpdate is a partial update; nil fields are left untouched.
type CallUpdate struct {
	Status    CallStatus
	Duration  *int64
	StartedAt *time.Time
	EndedAt   *time.Time
}

// CallEvent is published when a call changes status, for downstream notification.
type CallEvent struct {
	CallID     CallID     `json:"callId"`
	Caller     UserID     `json:"caller"`
	Callee     UserID     `json:"callee"`
	CallerName string     `json:"callerName,omitempty"`
	Type       CallType   `json:"callType"`
	ResponseID ResponseID `json:"responseId"`
	Status     CallStatus `json:"status"`
	Duration   int64      `json:"duration"`
	At         time.Time  `json:"at"`
}
