// Package rtc adapts pion/webrtc to the transport and capture interfaces
// used by the negotiation and media layers. Everything pion-specific lives
// here; peerlink and media stay engine-agnostic.
package rtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// Options tunes the shared pion API used for every PeerConnection a
// participant creates.
type Options struct {
	// ICEServers is the STUN/TURN set, usually fetched from the server's
	// /rtc-config endpoint.
	ICEServers []webrtc.ICEServer

	// UDPPortMin/UDPPortMax restrict local ICE ports; both zero means the
	// OS picks ephemeral ports.
	UDPPortMin uint16
	UDPPortMax uint16

	// Net overrides the network stack used for ICE. Tests inject a vnet
	// here; nil uses the host network.
	Net transport.Net

	Logger *slog.Logger
}

// Engine wraps a configured pion API; one Engine serves all of a
// participant's links.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = &slogLoggerFactory{log: log}
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		iceServers: opts.ICEServers,
		log:        log,
	}, nil
}

// slogLoggerFactory bridges pion's leveled logging onto slog so the whole
// process logs through one handler.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string)                  { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Info(msg string)                   { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Error(msg string)                  { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
