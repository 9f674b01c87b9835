package rtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/meshmeet/meshmeet/internal/media"
)

const oggPageSampleRate = 48000

// FileCapturer implements media.Capturer for the headless agent by
// replaying media files: VP8 video from IVF containers and Opus audio
// from Ogg. Files loop forever, so a short clip stands in for a live
// device.
type FileCapturer struct {
	// CameraIVF and ScreenIVF are IVF (VP8) file paths; MicOgg is an Ogg
	// (Opus) file path. Empty paths make the corresponding device
	// unavailable.
	CameraIVF string
	ScreenIVF string
	MicOgg    string

	Logger *slog.Logger
}

func (c *FileCapturer) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *FileCapturer) Devices() ([]media.DeviceInfo, error) {
	var out []media.DeviceInfo
	if c.CameraIVF != "" {
		out = append(out, media.DeviceInfo{ID: c.CameraIVF, Label: "file camera", Kind: media.TrackVideo})
	}
	if c.ScreenIVF != "" {
		out = append(out, media.DeviceInfo{ID: c.ScreenIVF, Label: "file screen", Kind: media.TrackVideo})
	}
	if c.MicOgg != "" {
		out = append(out, media.DeviceInfo{ID: c.MicOgg, Label: "file microphone", Kind: media.TrackAudio})
	}
	return out, nil
}

// Camera replays the camera IVF file. deviceID "" selects the configured
// default; a non-empty deviceID overrides the path.
func (c *FileCapturer) Camera(deviceID string) (media.Track, error) {
	path := c.CameraIVF
	if deviceID != "" {
		path = deviceID
	}
	if path == "" {
		return nil, errors.New("rtc: no camera file configured")
	}
	return c.startIVFTrack("camera", path)
}

func (c *FileCapturer) Screen() (media.Track, error) {
	if c.ScreenIVF == "" {
		return nil, errors.New("rtc: no screen file configured")
	}
	return c.startIVFTrack("screen", c.ScreenIVF)
}

func (c *FileCapturer) Microphone(deviceID string) (media.Track, error) {
	path := c.MicOgg
	if deviceID != "" {
		path = deviceID
	}
	if path == "" {
		return nil, errors.New("rtc: no microphone file configured")
	}

	// Validate the file up front so acquisition errors surface here, not
	// in the feeder goroutine.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	if _, _, err := oggreader.NewWith(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("parse ogg header: %w", err)
	}
	_ = f.Close()

	track, err := newSampleTrack(media.TrackAudio, webrtc.MimeTypeOpus, "audio-"+randomTrackID(), "meshmeet")
	if err != nil {
		return nil, err
	}
	go c.feedOgg(track, path)
	return track, nil
}

func (c *FileCapturer) startIVFTrack(source, path string) (media.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video file: %w", err)
	}
	if _, _, err := ivfreader.NewWith(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("parse ivf header: %w", err)
	}
	_ = f.Close()

	track, err := newSampleTrack(media.TrackVideo, webrtc.MimeTypeVP8, source+"-"+randomTrackID(), "meshmeet")
	if err != nil {
		return nil, err
	}
	go c.feedIVF(track, path)
	return track, nil
}

// feedIVF loops the IVF file, pacing frames by the container timebase.
func (c *FileCapturer) feedIVF(track *sampleTrack, path string) {
	for {
		f, err := os.Open(path)
		if err != nil {
			c.log().Warn("reopen video file", "path", path, "err", err)
			return
		}
		ivf, header, err := ivfreader.NewWith(f)
		if err != nil {
			c.log().Warn("parse ivf header", "path", path, "err", err)
			_ = f.Close()
			return
		}

		frameDuration := time.Millisecond * time.Duration(
			(float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000,
		)
		if frameDuration <= 0 {
			frameDuration = time.Second / 30
		}

		ticker := time.NewTicker(frameDuration)
		eof := false
		for !eof {
			select {
			case <-track.stopped():
				ticker.Stop()
				_ = f.Close()
				return
			case <-ticker.C:
			}

			frame, _, err := ivf.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				eof = true
				continue
			}
			if err != nil {
				c.log().Warn("read ivf frame", "path", path, "err", err)
				eof = true
				continue
			}
			if err := track.writeSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
				c.log().Warn("write video sample", "err", err)
			}
		}
		ticker.Stop()
		_ = f.Close()
	}
}

// feedOgg loops the Ogg file, pacing pages by granule position.
func (c *FileCapturer) feedOgg(track *sampleTrack, path string) {
	const pageInterval = 20 * time.Millisecond

	for {
		f, err := os.Open(path)
		if err != nil {
			c.log().Warn("reopen audio file", "path", path, "err", err)
			return
		}
		ogg, _, err := oggreader.NewWith(f)
		if err != nil {
			c.log().Warn("parse ogg header", "path", path, "err", err)
			_ = f.Close()
			return
		}

		ticker := time.NewTicker(pageInterval)
		var lastGranule uint64
		eof := false
		for !eof {
			select {
			case <-track.stopped():
				ticker.Stop()
				_ = f.Close()
				return
			case <-ticker.C:
			}

			pageData, pageHeader, err := ogg.ParseNextPage()
			if errors.Is(err, io.EOF) {
				eof = true
				continue
			}
			if err != nil {
				c.log().Warn("read ogg page", "path", path, "err", err)
				eof = true
				continue
			}

			sampleCount := float64(pageHeader.GranulePosition - lastGranule)
			lastGranule = pageHeader.GranulePosition
			sampleDuration := time.Duration((sampleCount / oggPageSampleRate) * float64(time.Second))

			if err := track.writeSample(pionmedia.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
				c.log().Warn("write audio sample", "err", err)
			}
		}
		ticker.Stop()
		_ = f.Close()
	}
}

// NullCapturer provides silent/blank tracks with no backing files. Useful
// for agents that only consume remote media.
type NullCapturer struct{}

func (NullCapturer) Devices() ([]media.DeviceInfo, error) { return nil, nil }

func (NullCapturer) Camera(string) (media.Track, error) {
	return newSampleTrack(media.TrackVideo, webrtc.MimeTypeVP8, "camera-"+randomTrackID(), "meshmeet")
}

func (NullCapturer) Screen() (media.Track, error) {
	return newSampleTrack(media.TrackVideo, webrtc.MimeTypeVP8, "screen-"+randomTrackID(), "meshmeet")
}

func (NullCapturer) Microphone(string) (media.Track, error) {
	return newSampleTrack(media.TrackAudio, webrtc.MimeTypeOpus, "audio-"+randomTrackID(), "meshmeet")
}
