package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSharingNotAllowed is returned when a video operation is attempted
// without the sharing permission.
var ErrSharingNotAllowed = errors.New("media: sharing not allowed")

// VideoSource is the single active video slot of a participant.
type VideoSource int

const (
	SourceNone VideoSource = iota
	SourceCamera
	SourceScreen
)

func (v VideoSource) String() string {
	switch v {
	case SourceNone:
		return "none"
	case SourceCamera:
		return "camera"
	case SourceScreen:
		return "screen"
	default:
		return fmt.Sprintf("source(%d)", int(v))
	}
}

// Action is the per-link sender mutation required by a slot change.
type Action int

const (
	ActionNone Action = iota
	ActionAdd
	ActionReplace
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionAdd:
		return "add"
	case ActionReplace:
		return "replace"
	case ActionRemove:
		return "remove"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Reconcile maps a video-slot transition to the sender action every link
// must apply. Pure; the controller applies the result atomically across
// all links.
func Reconcile(prev, next VideoSource) Action {
	switch {
	case prev == next:
		return ActionNone
	case prev == SourceNone:
		return ActionAdd
	case next == SourceNone:
		return ActionRemove
	default:
		return ActionReplace
	}
}

// PeerSlot is the controller's view of one peer link: install/remove
// sender tracks, then trigger that edge's renegotiation contract.
// Implemented by peerlink.Link.
type PeerSlot interface {
	SetTrack(kind TrackKind, t Track) error
	RemoveTrack(kind TrackKind) error
	Renegotiate() error
}

// Controller owns local capture. At most one video-producing source is
// live at a time (camera XOR screen); audio is independent. Every slot
// mutation is applied to all links before any of them starts
// renegotiating, so no peer can observe a half-propagated slot.
type Controller struct {
	capture Capturer
	links   func() []PeerSlot
	log     *slog.Logger

	mu         sync.Mutex
	source     VideoSource
	videoTrack Track
	audioTrack Track

	muted    bool
	canShare bool

	// cameraDeviceID remembers the last camera so stopping a screen share
	// can fall back to it.
	cameraDeviceID string
	hadCamera      bool
}

// NewController creates a controller. links must return the current set of
// peer links; it is called under the controller's lock, so it must not
// call back into the controller.
func NewController(capture Capturer, links func() []PeerSlot, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		capture: capture,
		links:   links,
		log:     logger,
	}
}

// Source returns the active video slot.
func (c *Controller) Source() VideoSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Muted reports the local audio mute flag.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// CanShare reports whether video sharing is currently permitted.
func (c *Controller) CanShare() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canShare
}

// EnableMedia acquires the microphone and, when sharing is permitted, the
// camera, and installs them on every link. Failures surface to the caller;
// negotiation state of existing edges is unaffected.
func (c *Controller) EnableMedia(micDeviceID, cameraDeviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audioTrack == nil {
		mic, err := c.capture.Microphone(micDeviceID)
		if err != nil {
			return fmt.Errorf("acquire microphone: %w", err)
		}
		mic.SetEnabled(!c.muted)
		c.audioTrack = mic
		c.propagateAudioLocked()
	}

	if c.canShare && c.source == SourceNone {
		return c.startCameraLocked(cameraDeviceID)
	}
	return nil
}

// SwitchCamera switches the camera device, replacing the outbound video
// track on every link.
func (c *Controller) SwitchCamera(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canShare {
		return ErrSharingNotAllowed
	}
	return c.startCameraLocked(deviceID)
}

// SwitchMicrophone switches the audio capture device.
func (c *Controller) SwitchMicrophone(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mic, err := c.capture.Microphone(deviceID)
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	mic.SetEnabled(!c.muted)

	if c.audioTrack != nil {
		c.audioTrack.Stop()
	}
	c.audioTrack = mic
	c.propagateAudioLocked()
	return nil
}

// StartScreenShare moves the video slot to the screen source.
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canShare {
		return ErrSharingNotAllowed
	}
	if c.source == SourceScreen {
		return nil
	}

	screen, err := c.capture.Screen()
	if err != nil {
		return fmt.Errorf("acquire screen: %w", err)
	}
	return c.setSlotLocked(SourceScreen, screen)
}

// StopScreenShare ends a screen share, falling back to the camera when one
// was active before, otherwise emptying the slot.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopScreenLocked()
}

// StopVideo empties the video slot regardless of source.
func (c *Controller) StopVideo() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setSlotLocked(SourceNone, nil)
}

// SetMuted flips the local encode-enable flag on the audio track. The
// track stays attached to every link.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	if c.audioTrack != nil {
		c.audioTrack.SetEnabled(!muted)
	}
}

// SetSharePermission applies an admin sharing grant or revocation. A
// revocation during an active screen share stops the share immediately;
// an active camera is stopped as well, since the permission covers all
// video sources.
func (c *Controller) SetSharePermission(allow bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.canShare = allow
	if allow {
		return nil
	}
	c.hadCamera = false
	if c.source != SourceNone {
		return c.setSlotLocked(SourceNone, nil)
	}
	return nil
}

// AttachTo installs the current local tracks on a freshly created link
// without renegotiating; the caller drives the link's first negotiation.
func (c *Controller) AttachTo(link PeerSlot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioTrack != nil {
		if err := link.SetTrack(TrackAudio, c.audioTrack); err != nil {
			return err
		}
	}
	if c.videoTrack != nil {
		if err := link.SetTrack(TrackVideo, c.videoTrack); err != nil {
			return err
		}
	}
	return nil
}

// Close stops all local capture. Link teardown is the owner's business.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoTrack != nil {
		c.videoTrack.Stop()
		c.videoTrack = nil
	}
	if c.audioTrack != nil {
		c.audioTrack.Stop()
		c.audioTrack = nil
	}
	c.source = SourceNone
}

func (c *Controller) startCameraLocked(deviceID string) error {
	cam, err := c.capture.Camera(deviceID)
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	c.cameraDeviceID = deviceID
	c.hadCamera = true
	return c.setSlotLocked(SourceCamera, cam)
}

func (c *Controller) stopScreenLocked() error {
	if c.source != SourceScreen {
		return nil
	}
	if c.hadCamera && c.canShare {
		return c.startCameraLocked(c.cameraDeviceID)
	}
	return c.setSlotLocked(SourceNone, nil)
}

// setSlotLocked is the single mutation point for the video slot: stop the
// previous track, install the new one, propagate the reconciled action to
// every link, then let each link renegotiate. Track propagation to all
// links completes before the first renegotiation starts.
func (c *Controller) setSlotLocked(next VideoSource, t Track) error {
	prev := c.source
	action := Reconcile(prev, next)
	if action == ActionNone && t == nil {
		return nil
	}
	if prev == next && t != nil {
		// Same source, new device: a track swap.
		action = ActionReplace
	}

	if c.videoTrack != nil {
		c.videoTrack.Stop()
	}
	c.videoTrack = t
	c.source = next

	links := c.links()
	for _, link := range links {
		var err error
		switch action {
		case ActionAdd, ActionReplace:
			err = link.SetTrack(TrackVideo, t)
		case ActionRemove:
			err = link.RemoveTrack(TrackVideo)
		}
		if err != nil {
			c.log.Warn("propagate video slot", "action", action.String(), "err", err)
		}
	}
	c.log.Info("video slot changed", "prev", prev.String(), "next", next.String(), "links", len(links))

	for _, link := range links {
		if err := link.Renegotiate(); err != nil {
			c.log.Warn("renegotiate after slot change", "err", err)
		}
	}
	return nil
}

// propagateAudioLocked installs the current audio track on every link
// (SetTrack adds or replaces as needed) and then triggers renegotiation.
func (c *Controller) propagateAudioLocked() {
	links := c.links()
	for _, link := range links {
		if err := link.SetTrack(TrackAudio, c.audioTrack); err != nil {
			c.log.Warn("propagate audio track", "err", err)
		}
	}
	for _, link := range links {
		if err := link.Renegotiate(); err != nil {
			c.log.Warn("renegotiate after audio change", "err", err)
		}
	}
}
