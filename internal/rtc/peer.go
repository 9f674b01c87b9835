package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/media"
)

// LocalTrackProvider is implemented by this package's track types; the
// peer needs the underlying pion track to attach it to a PeerConnection.
type LocalTrackProvider interface {
	TrackLocal() webrtc.TrackLocal
}

// Peer owns one PeerConnection and implements peerlink.Transport on top
// of it.
type Peer struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[media.TrackKind]*webrtc.RTPSender
	onState func(webrtc.PeerConnectionState)
}

// NewPeer creates a PeerConnection from the engine's shared API and ICE
// configuration.
func (e *Engine) NewPeer() (*Peer, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:      pc,
		senders: make(map[media.TrackKind]*webrtc.RTPSender),
	}

	log := e.log
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
		p.mu.Lock()
		f := p.onState
		p.mu.Unlock()
		if f != nil {
			f(state)
		}
	})

	return p, nil
}

// OnConnectionStateChange registers a handler for connection state
// transitions, in addition to the engine's debug logging.
func (p *Peer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

// OnRemoteTrack registers a handler for inbound media from the remote
// participant.
func (p *Peer) OnRemoteTrack(f func(kind media.TrackKind, trackID string, track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.TrackVideo
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			kind = media.TrackAudio
		}
		f(kind, track.ID(), track)
	})
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

func (p *Peer) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks end of gathering; nothing to relay.
		if cand == nil {
			return
		}
		f(cand.ToJSON())
	})
}

// SetTrack installs or replaces the outbound track of the given kind.
// Replacement goes through RTPSender.ReplaceTrack so the m-line is reused
// and no renegotiation is strictly required for a swap.
func (p *Peer) SetTrack(kind media.TrackKind, t media.Track) error {
	provider, ok := t.(LocalTrackProvider)
	if !ok {
		return fmt.Errorf("track %T does not wrap a pion local track", t)
	}
	local := provider.TrackLocal()

	p.mu.Lock()
	defer p.mu.Unlock()

	if sender, ok := p.senders[kind]; ok {
		return sender.ReplaceTrack(local)
	}

	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	p.senders[kind] = sender

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// RemoveTrack stops sending the track of the given kind.
func (p *Peer) RemoveTrack(kind media.TrackKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sender, ok := p.senders[kind]
	if !ok {
		return nil
	}
	delete(p.senders, kind)
	return p.pc.RemoveTrack(sender)
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
