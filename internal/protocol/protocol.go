// Package protocol defines the socket wire format shared by the signaling
// server and the call client: a text frame per event, {"event": name, "data": payload}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event is the closed set of socket events.
type Event int

const (
	EventUnknown Event = iota

	// client -> server
	EventRegisterUser
	EventJoinRoom
	EventLeaveRoom
	EventSendMessage
	EventCallOffer
	EventCallAnswer
	EventEndCall
	EventPing

	// both directions
	EventICECandidate
	EventCallRejected

	// server -> client
	EventOnlineUsers
	EventMessage
	EventIncomingCall
	EventCallRinging
	EventCallAnswered
	EventCallEnded
	EventPeerDisconnected
	EventCallFailed
	EventError
	EventPong
)

var eventNames = map[Event]string{
	EventRegisterUser:     "register-user",
	EventJoinRoom:         "joinRoom",
	EventLeaveRoom:        "leaveRoom",
	EventSendMessage:      "sendMessage",
	EventCallOffer:        "call-offer",
	EventCallAnswer:       "call-answer",
	EventEndCall:          "end-call",
	EventPing:             "ping",
	EventICECandidate:     "ice-candidate",
	EventCallRejected:     "call-rejected",
	EventOnlineUsers:      "online-users",
	EventMessage:          "message",
	EventIncomingCall:     "incoming-call",
	EventCallRinging:      "call-ringing",
	EventCallAnswered:     "call-answered",
	EventCallEnded:        "call-ended",
	EventPeerDisconnected: "peer-disconnected",
	EventCallFailed:       "call-failed",
	EventError:            "error",
	EventPong:             "pong",
}

var eventsByName = func() map[string]Event {
	m := make(map[string]Event, len(eventNames))
	for ev, name := range eventNames {
		m[name] = ev
	}
	return m
}()

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown"
}

// ParseEvent returns EventUnknown for names outside the protocol.
func ParseEvent(name string) Event {
	return eventsByName[name]
}

func (e Event) MarshalJSON() ([]byte, error) {
	name, ok := eventNames[e]
	if !ok {
		return nil, fmt.Errorf("marshal event %d: %w", int(e), ErrUnknownEvent)
	}
	return json.Marshal(name)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	*e = ParseEvent(name)
	return nil
}

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadEnvelope  = errors.New("bad envelope")
)

// Envelope is one framed event.
type Envelope struct {
	Event Event           `json:"event"`
	Name  string          `json:"-"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses a frame. The raw event name is kept for logging unknown events.
func Decode(frame []byte) (Envelope, error) {
	var raw struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if raw.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrBadEnvelope)
	}
	env := Envelope{Event: ParseEvent(raw.Event), Name: raw.Event, Data: raw.Data}
	if env.Event == EventUnknown {
		return env, fmt.Errorf("%s: %w", raw.Event, ErrUnknownEvent)
	}
	return env, nil
}

// Encode frames payload under ev.
func Encode(ev Event, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: ev, Data: data})
}

// DecodeData unmarshals the envelope data into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: %w: empty data", e.Event, ErrBadEnvelope)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w: %v", e.Event, ErrBadEnvelope, err)
	}
	return nil
}
