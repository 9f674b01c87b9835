// Package media owns the local capture state of one participant: a single
// active video source (camera or screen), independent audio capture, and
// the mute flag. It drives track changes across all of the participant's
// peer links atomically.
package media

// TrackKind labels a track as audio or video.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a live local capture track as produced by a Capturer. The
// transport engine sends it to peers; the controller owns its lifecycle.
type Track interface {
	Kind() TrackKind
	ID() string

	// SetEnabled toggles encoding without detaching the track. Muting is
	// always an encode-enable flip, never a track removal.
	SetEnabled(enabled bool)

	// Stop releases the underlying capture resource.
	Stop()
}

// DeviceInfo describes one enumerable capture device.
type DeviceInfo struct {
	ID    string
	Label string
	Kind  TrackKind
}

// Capturer abstracts the capture-device API (camera, screen, microphone).
// Implementations: internal/rtc for real pion-backed tracks, fakes in
// tests.
type Capturer interface {
	Devices() ([]DeviceInfo, error)

	// Camera acquires a camera video track. deviceID "" selects the
	// default device.
	Camera(deviceID string) (Track, error)

	// Screen acquires a screen-capture video track.
	Screen() (Track, error)

	// Microphone acquires an audio track. deviceID "" selects the default
	// device.
	Microphone(deviceID string) (Track, error)
}
