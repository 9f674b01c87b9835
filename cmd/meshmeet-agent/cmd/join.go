package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/meshmeet/meshmeet/internal/client"
	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/peerlink"
	"github.com/meshmeet/meshmeet/internal/rtc"
)

var (
	flagServer    string
	flagRoom      string
	flagName      string
	flagAdmin     bool
	flagCameraIVF string
	flagScreenIVF string
	flagMicOgg    string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and publish file-backed media",
	Long: `Join a meshmeet room. Media flags select the files replayed as capture
devices; without them the agent joins receive-only.

Examples:
  meshmeet-agent join --server http://localhost:8080 --room standup --name bot
  meshmeet-agent join --server http://localhost:8080 --room demo --name cam-bot \
    --camera-ivf clip.ivf --mic-ogg voice.ogg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin()
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagServer, "server", "http://127.0.0.1:8080", "signaling server base URL")
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room id to join (omit to start a new meeting)")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name (required)")
	joinCmd.Flags().BoolVar(&flagAdmin, "admin", false, "request the admin role when creating the room")
	joinCmd.Flags().StringVar(&flagCameraIVF, "camera-ivf", "", "IVF (VP8) file replayed as the camera")
	joinCmd.Flags().StringVar(&flagScreenIVF, "screen-ivf", "", "IVF (VP8) file replayed as the screen share")
	joinCmd.Flags().StringVar(&flagMicOgg, "mic-ogg", "", "Ogg (Opus) file replayed as the microphone")
	_ = joinCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(joinCmd)
}

func runJoin() error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	wsURL, err := signalingURL(flagServer)
	if err != nil {
		return err
	}

	if flagRoom == "" {
		flagRoom = client.NewMeetingID()
		logger.Info("starting new meeting", "room", flagRoom)
	}

	iceServers, err := fetchICEServers(flagServer)
	if err != nil {
		// The server may run without STUN/TURN on a flat network.
		logger.Warn("fetch rtc config", "err", err)
	}

	engine, err := rtc.NewEngine(rtc.Options{
		ICEServers: iceServers,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	var capturer media.Capturer
	if flagCameraIVF != "" || flagScreenIVF != "" || flagMicOgg != "" {
		capturer = &rtc.FileCapturer{
			CameraIVF: flagCameraIVF,
			ScreenIVF: flagScreenIVF,
			MicOgg:    flagMicOgg,
			Logger:    logger,
		}
	} else {
		capturer = rtc.NullCapturer{}
	}

	sess, err := client.New(client.Config{
		ServerURL:   wsURL,
		RoomID:      flagRoom,
		DisplayName: flagName,
		WantsAdmin:  flagAdmin,
		NewTransport: func() (peerlink.Transport, error) {
			return engine.NewPeer()
		},
		Capturer: capturer,
		Logger:   logger,
		Callbacks: client.Callbacks{
			OnChat: func(from, text string) {
				fmt.Printf("[chat] %s: %s\n", from, text)
			},
			OnPeerConnected: func(p client.Peer) {
				logger.Info("peer joined", "peer", p.ID, "name", p.DisplayName)
			},
			OnPeerDisconnected: func(id string) {
				logger.Info("peer left", "peer", id)
			},
			OnAdminChanged: func(oldID, newID string) {
				logger.Info("admin changed", "old", oldID, "new", newID)
			},
			OnKicked: func() {
				logger.Warn("kicked from room")
			},
			OnServerError: func(code, message string) {
				logger.Warn("server rejected request", "code", code, "message", message)
			},
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Close()

	if flagMicOgg != "" || flagCameraIVF != "" {
		if err := sess.Media().EnableMedia(flagMicOgg, flagCameraIVF); err != nil {
			logger.Warn("enable media", "err", err)
		}
	}

	logger.Info("joined; running until interrupted", "room", flagRoom)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutting down")
	case <-sess.Done():
		logger.Info("session ended")
	}
	return nil
}

// signalingURL derives the WebSocket endpoint from the HTTP base URL.
func signalingURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func fetchICEServers(server string) ([]webrtc.ICEServer, error) {
	base, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return nil, err
	}
	switch base.Scheme {
	case "ws":
		base.Scheme = "http"
	case "wss":
		base.Scheme = "https"
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/rtc-config"

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(base.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rtc config: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rtc config: %w", err)
	}
	return body.ICEServers, nil
}
