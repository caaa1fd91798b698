package protocol

import (
	"encoding/json"
	"fmt"
)

// Failure reasons sent in call-failed.
const (
	ReasonNotOnline          = "User is not online"
	ReasonCallerDisconnected = "Caller disconnected"
	ReasonServerError        = "Server error"
	ReasonNoAnswer           = "No answer"
	ReasonCallNotActive      = "Call is no longer active"
	ReasonInvalidCall        = "Invalid call request"
	ReasonInvalidCallType    = "Invalid call type"
	ReasonNotRegistered      = "User is not registered"
	ReasonTooManyCalls       = "Too many call attempts"
	ReasonNotParticipant     = "Not a participant of this call"
)

// RegisterUser accepts either a bare string or {"userId": "..."}.
type RegisterUser struct {
	UserID string `json:"userId"`
}

func (r *RegisterUser) UnmarshalJSON(b []byte) error {
	v, err := stringOrField(b, "userId")
	if err != nil {
		return err
	}
	r.UserID = v
	return nil
}

// RoomRef accepts either a bare string or {"roomId": "..."}.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

func (r *RoomRef) UnmarshalJSON(b []byte) error {
	v, err := stringOrField(b, "roomId")
	if err != nil {
		return err
	}
	r.RoomID = v
	return nil
}

func stringOrField(b []byte, field string) (string, error) {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return "", fmt.Errorf("expected string or object: %w", err)
	}
	raw, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("missing %s", field)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	return s, nil
}

// ChatMessage is relayed to the room verbatim. Only the room is read.
type ChatMessage struct {
	RoomID     string `json:"roomId,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
}

// Room returns roomId, falling back to responseId.
func (m ChatMessage) Room() string {
	if m.RoomID != "" {
		return m.RoomID
	}
	return m.ResponseID
}

type CallOffer struct {
	To         string          `json:"to"`
	From       string          `json:"from"`
	Offer      json.RawMessage `json:"offer"`
	CallType   string          `json:"callType"`
	ResponseID string          `json:"responseId"`
	CallerName string          `json:"callerName"`
	// OfferID is chosen by the caller and echoed in call-ringing and
	// call-failed so a reply can be matched to its attempt.
	OfferID string `json:"offerId,omitempty"`
}

type IncomingCall struct {
	From       string          `json:"from"`
	Offer      json.RawMessage `json:"offer"`
	CallType   string          `json:"callType"`
	CallID     string          `json:"callId"`
	CallerName string          `json:"callerName,omitempty"`
	ResponseID string          `json:"responseId,omitempty"`
}

type CallRinging struct {
	CallID  string `json:"callId"`
	To      string `json:"to"`
	OfferID string `json:"offerId,omitempty"`
}

type CallAnswer struct {
	To     string          `json:"to"`
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer"`
	CallID string          `json:"callId"`
}

type CallAnswered struct {
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer"`
	CallID string          `json:"callId"`
}

type ICECandidate struct {
	To        string          `json:"to,omitempty"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

// CallControl carries call-rejected and end-call.
type CallControl struct {
	CallID string `json:"callId"`
	To     string `json:"to,omitempty"`
	From   string `json:"from"`
}

type PeerDisconnected struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type CallFailed struct {
	Reason  string `json:"reason"`
	To      string `json:"to,omitempty"`
	CallID  string `json:"callId,omitempty"`
	OfferID string `json:"offerId,omitempty"`
}

type ErrorEvent struct {
	Event  string `json:"event,omitempty"`
	Reason string `json:"reason"`
}
