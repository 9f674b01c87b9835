package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/meshmeet/meshmeet/internal/media"
)

// sampleTrack implements media.Track over a pion TrackLocalStaticSample.
// The capture feeder keeps writing regardless of the enabled flag; writes
// while disabled are dropped, so mute is an encode gate rather than a
// track detach.
type sampleTrack struct {
	kind  media.TrackKind
	local *webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
}

func newSampleTrack(kind media.TrackKind, mimeType, trackID, streamID string) (*sampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		trackID,
		streamID,
	)
	if err != nil {
		return nil, err
	}
	t := &sampleTrack{
		kind:  kind,
		local: local,
		stop:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *sampleTrack) Kind() media.TrackKind { return t.kind }

func (t *sampleTrack) ID() string { return t.local.ID() }

func (t *sampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// TrackLocal exposes the pion track for Peer.SetTrack.
func (t *sampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *sampleTrack) stopped() <-chan struct{} { return t.stop }

func (t *sampleTrack) writeSample(sample pionmedia.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(sample)
}
