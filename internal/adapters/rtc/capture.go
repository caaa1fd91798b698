package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/FindIt/internal/client"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const opusFrame = 20 * time.Millisecond

// opusSilence is one 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilentCapture stands in for a microphone on hosts without audio devices.
// Every call carries one Opus track; video calls get audio only.
type SilentCapture struct{}

func (SilentCapture) Acquire(_ context.Context, kind domain.CallType) (client.LocalMedia, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "findit-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	if kind == domain.CallVideo {
		log.Debug().Str("module", "webrtc").Msg("no camera, video call carries audio only")
	}
	m := &silentMedia{track: track, done: make(chan struct{})}
	go m.pump()
	return m, nil
}

type silentMedia struct {
	track *webrtc.TrackLocalStaticSample
	done  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	muted bool
}

func (m *silentMedia) Track() webrtc.TrackLocal { return m.track }

func (m *silentMedia) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

func (m *silentMedia) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *silentMedia) Stop() {
	m.once.Do(func() { close(m.done) })
}

// pump paces frames like a live source. Muted tracks send nothing.
func (m *silentMedia) pump() {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if m.Muted() {
				continue
			}
			if err := m.track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				log.Debug().Err(err).Str("module", "webrtc").Msg("write sample")
			}
		}
	}
}
