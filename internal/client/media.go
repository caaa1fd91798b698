package client

import (
	"context"
	"time"

	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// Signaler emits events to the signaling server.
type Signaler interface {
	Emit(ev protocol.Event, payload any) error
}

// LocalMedia is an acquired capture track.
type LocalMedia interface {
	Track() webrtc.TrackLocal
	SetMuted(muted bool)
	Muted() bool
	Stop()
}

// Capture acquires local media. It is the permission boundary: an error here
// means the user denied or has no device.
type Capture interface {
	Acquire(ctx context.Context, kind domain.CallType) (LocalMedia, error)
}

// PeerEvents are the callbacks a peer connection reports through.
type PeerEvents struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnStateChange  func(webrtc.PeerConnectionState)
	OnTrack        func(*webrtc.TrackRemote)
}

// PeerConnection is the subset of a WebRTC peer the negotiator drives.
// CreateOffer and CreateAnswer also apply the result as local description.
type PeerConnection interface {
	AddLocal(media LocalMedia) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

type PeerFactory interface {
	NewPeer(ev PeerEvents) (PeerConnection, error)
}

type NoticeKind int

const (
	NoticeInfo NoticeKind = iota
	NoticeWarning
	NoticeError
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	}
	return "info"
}

type Notice struct {
	Kind NoticeKind
	Text string
}

// Listener observes a negotiator. Callbacks run outside the negotiator lock
// and may call back into it.
type Listener interface {
	OnState(s State)
	OnNotice(n Notice)
	OnDuration(d time.Duration)
}

// Clock schedules the duration ticker and the negotiation timeout.
type Clock interface {
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, f func()) Timer
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }

func (r realTicker) Stop() { r.t.Stop() }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type nopListener struct{}

func (nopListener) OnState(State) {}

func (nopListener) OnNotice(Notice) {}

func (nopListener) OnDuration(time.Duration) {}
