package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/client"
	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/peerlink"
	"github.com/meshmeet/meshmeet/internal/registry"
	"github.com/meshmeet/meshmeet/internal/signaling"
)

type fakeTransport struct {
	mu sync.Mutex

	offersCreated  int
	answersCreated int
	remoteOffers   int
	remoteAnswers  int
	candidates     int
	closed         bool
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offersCreated++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=fake offer\r\n"}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answersCreated++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=fake answer\r\n"}, nil
}

func (f *fakeTransport) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.remoteOffers++
	case webrtc.SDPTypeAnswer:
		f.remoteAnswers++
	}
	return nil
}

func (f *fakeTransport) AddICECandidate(webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates++
	return nil
}

func (f *fakeTransport) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (f *fakeTransport) SetTrack(media.TrackKind, media.Track) error { return nil }

func (f *fakeTransport) RemoveTrack(media.TrackKind) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) counts() (offers, answers, remoteOffers, remoteAnswers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offersCreated, f.answersCreated, f.remoteOffers, f.remoteAnswers
}

// transportFactory hands out fakes and remembers them for assertions.
type transportFactory struct {
	mu   sync.Mutex
	made []*fakeTransport
}

func (tf *transportFactory) new() (peerlink.Transport, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	t := &fakeTransport{}
	tf.made = append(tf.made, t)
	return t, nil
}

func (tf *transportFactory) first() *fakeTransport {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if len(tf.made) == 0 {
		return nil
	}
	return tf.made[0]
}

func (tf *transportFactory) all() []*fakeTransport {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	out := make([]*fakeTransport, len(tf.made))
	copy(out, tf.made)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type nullCapturer struct{}

func (nullCapturer) Devices() ([]media.DeviceInfo, error)   { return nil, nil }
func (nullCapturer) Camera(string) (media.Track, error)     { return nil, errors.New("no camera") }
func (nullCapturer) Screen() (media.Track, error)           { return nil, errors.New("no screen") }
func (nullCapturer) Microphone(string) (media.Track, error) { return nil, errors.New("no microphone") }

func startSignalingServer(t *testing.T) string {
	t.Helper()
	srv := signaling.NewServer(signaling.Config{Registry: registry.New()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func connect(t *testing.T, url, name string, tf *transportFactory, cb client.Callbacks) *client.Session {
	t.Helper()
	sess, err := client.New(client.Config{
		ServerURL:    url,
		RoomID:       "room",
		DisplayName:  name,
		NewTransport: tf.new,
		Capturer:     nullCapturer{},
		Callbacks:    cb,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinerOffersToExistingMembers(t *testing.T) {
	url := startSignalingServer(t)

	tfA := &transportFactory{}
	alice := connect(t, url, "Alice", tfA, client.Callbacks{})
	eventually(t, "alice joined", func() bool { return alice.SelfID() != "" })
	if !alice.IsAdmin() {
		t.Fatal("first joiner must be admin")
	}

	tfB := &transportFactory{}
	bob := connect(t, url, "Bob", tfB, client.Callbacks{})
	eventually(t, "bob joined", func() bool { return bob.SelfID() != "" })
	if bob.IsAdmin() {
		t.Fatal("second joiner must not be admin")
	}

	// Bob discovered Alice via the membership snapshot, so Bob offers and
	// Alice answers; the round must complete on both fakes.
	eventually(t, "negotiation round", func() bool {
		bt := tfB.first()
		at := tfA.first()
		if bt == nil || at == nil {
			return false
		}
		bOffers, _, _, bRemoteAnswers := bt.counts()
		_, aAnswers, aRemoteOffers, _ := at.counts()
		return bOffers == 1 && bRemoteAnswers == 1 && aRemoteOffers == 1 && aAnswers == 1
	})

	// The answering side must never have produced an offer.
	if offers, _, _, _ := tfA.first().counts(); offers != 0 {
		t.Fatalf("answering side created %d offers", offers)
	}

	eventually(t, "peer views", func() bool {
		return len(alice.Peers()) == 1 && len(bob.Peers()) == 1
	})
	if peers := bob.Peers(); !peers[0].IsAdmin {
		t.Fatal("bob must see alice as admin")
	}
}

func TestChatDeliveredToOthersOnly(t *testing.T) {
	url := startSignalingServer(t)

	aliceChats := make(chan string, 4)
	alice := connect(t, url, "Alice", &transportFactory{}, client.Callbacks{
		OnChat: func(from, text string) { aliceChats <- from + ": " + text },
	})
	eventually(t, "alice joined", func() bool { return alice.SelfID() != "" })

	bobChats := make(chan string, 4)
	bob := connect(t, url, "Bob", &transportFactory{}, client.Callbacks{
		OnChat: func(from, text string) { bobChats <- from + ": " + text },
	})
	eventually(t, "bob joined", func() bool { return bob.SelfID() != "" })

	bob.SendChat("hello")

	select {
	case got := <-aliceChats:
		if got != "Bob: hello" {
			t.Fatalf("alice received %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("alice never received the chat")
	}

	select {
	case got := <-bobChats:
		t.Fatalf("bob received his own chat back: %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestKickedCallbackAndShutdown(t *testing.T) {
	url := startSignalingServer(t)

	alice := connect(t, url, "Alice", &transportFactory{}, client.Callbacks{})
	eventually(t, "alice joined", func() bool { return alice.SelfID() != "" })

	kicked := make(chan struct{})
	bob := connect(t, url, "Bob", &transportFactory{}, client.Callbacks{
		OnKicked: func() { close(kicked) },
	})
	eventually(t, "bob joined", func() bool { return bob.SelfID() != "" })
	eventually(t, "alice sees bob", func() bool { return len(alice.Peers()) == 1 })

	alice.Kick(bob.SelfID())

	select {
	case <-kicked:
	case <-time.After(3 * time.Second):
		t.Fatal("kicked callback never fired")
	}
	select {
	case <-bob.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("kicked session never shut down")
	}
	eventually(t, "alice drops bob", func() bool { return len(alice.Peers()) == 0 })
}

func TestAdminTransferPropagates(t *testing.T) {
	url := startSignalingServer(t)

	alice := connect(t, url, "Alice", &transportFactory{}, client.Callbacks{})
	eventually(t, "alice joined", func() bool { return alice.SelfID() != "" })
	bob := connect(t, url, "Bob", &transportFactory{}, client.Callbacks{})
	eventually(t, "bob joined", func() bool { return bob.SelfID() != "" })
	eventually(t, "alice sees bob", func() bool { return len(alice.Peers()) == 1 })

	alice.MakeAdmin(bob.SelfID())

	eventually(t, "bob becomes admin", func() bool { return bob.IsAdmin() })
	eventually(t, "alice is demoted", func() bool { return !alice.IsAdmin() })

	// The role change carries the sharing permission with it.
	eventually(t, "bob may share", func() bool { return bob.Media().CanShare() })
	eventually(t, "alice may not share", func() bool { return !alice.Media().CanShare() })
}

func TestSharingGrantReachesTarget(t *testing.T) {
	url := startSignalingServer(t)

	alice := connect(t, url, "Alice", &transportFactory{}, client.Callbacks{})
	eventually(t, "alice joined", func() bool { return alice.SelfID() != "" })
	bob := connect(t, url, "Bob", &transportFactory{}, client.Callbacks{})
	eventually(t, "bob joined", func() bool { return bob.SelfID() != "" })
	eventually(t, "alice sees bob", func() bool { return len(alice.Peers()) == 1 })

	if bob.Media().CanShare() {
		t.Fatal("member must start without the sharing permission")
	}
	alice.AllowSharing(bob.SelfID())
	eventually(t, "grant arrives", func() bool { return bob.Media().CanShare() })

	alice.DisallowSharing(bob.SelfID())
	eventually(t, "revocation arrives", func() bool { return !bob.Media().CanShare() })
}

func TestPeerDisconnectCleansUp(t *testing.T) {
	url := startSignalingServer(t)

	gone := make(chan string, 1)
	alice := connect(t, url, "Alice", &transportFactory{}, client.Callbacks{
		OnPeerDisconnected: func(id string) { gone <- id },
	})
	eventually(t, "alice joined", func() bool { return alice.SelfID() != "" })

	bob := connect(t, url, "Bob", &transportFactory{}, client.Callbacks{})
	eventually(t, "bob joined", func() bool { return bob.SelfID() != "" })
	eventually(t, "alice sees bob", func() bool { return len(alice.Peers()) == 1 })
	bobID := bob.SelfID()

	bob.Close()

	select {
	case id := <-gone:
		if id != bobID {
			t.Fatalf("disconnected id = %q, want %q", id, bobID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer disconnect never observed")
	}
	eventually(t, "alice drops bob", func() bool { return len(alice.Peers()) == 0 })
}

func TestConfigValidation(t *testing.T) {
	tf := &transportFactory{}
	base := client.Config{
		ServerURL:    "ws://localhost/ws",
		RoomID:       "r",
		DisplayName:  "n",
		NewTransport: tf.new,
	}

	for _, tc := range []struct {
		name   string
		mutate func(*client.Config)
	}{
		{"missing url", func(c *client.Config) { c.ServerURL = "" }},
		{"missing room", func(c *client.Config) { c.RoomID = "" }},
		{"missing name", func(c *client.Config) { c.DisplayName = "" }},
		{"missing transport", func(c *client.Config) { c.NewTransport = nil }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if _, err := client.New(cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}

	if _, err := client.New(base); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

// rawPeer drives the wire protocol directly, playing a remote participant
// whose frames the test controls byte for byte.
type rawPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func joinRaw(t *testing.T, url, room, name string) *rawPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	p := &rawPeer{t: t, conn: conn}
	p.send(signaling.Envelope{
		Type: signaling.EventJoinRoom,
		Join: &signaling.Join{RoomID: room, DisplayName: name},
	})
	p.id = p.waitFor(signaling.EventJoined).Self.ID
	return p
}

func (p *rawPeer) send(env signaling.Envelope) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := p.conn.WriteJSON(env); err != nil {
		p.t.Fatalf("raw write: %v", err)
	}
}

func (p *rawPeer) waitFor(want signaling.EventType) signaling.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = p.conn.SetReadDeadline(deadline)
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.t.Fatalf("raw read: %v", err)
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.t.Fatalf("raw unmarshal %q: %v", data, err)
		}
		if env.Type == want {
			return env
		}
	}
	p.t.Fatalf("no %s frame before deadline", want)
	return signaling.Envelope{}
}

func (p *rawPeer) waitForSignal(kind signaling.SignalKind) signaling.Signal {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := p.waitFor(signaling.EventSignal)
		if env.Signal.Kind == kind {
			return *env.Signal
		}
	}
	p.t.Fatalf("no %s signal before deadline", kind)
	return signaling.Signal{}
}

// TestFailedLinkIsRebuiltInRole poisons an answering link with an answer
// no offer preceded, then checks the session replaces the link in the
// same role and the edge still negotiates. A rebuild that waited for
// inbound traffic, or that flipped the role, would leave the edge dead:
// both endpoints answering, nobody offering.
func TestFailedLinkIsRebuiltInRole(t *testing.T) {
	url := startSignalingServer(t)

	tfA := &transportFactory{}
	alice := connect(t, url, "Alice", tfA, client.Callbacks{})
	eventually(t, "alice joined", func() bool { return alice.SelfID() != "" })

	mallory := joinRaw(t, url, "room", "Mallory")
	eventually(t, "alice sees mallory", func() bool { return len(alice.Peers()) == 1 })
	eventually(t, "answering link created", func() bool { return tfA.first() != nil })

	// An answer with no offer outstanding is a negotiation conflict; the
	// answering link tears down.
	answer, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=bogus\r\n"})
	if err != nil {
		t.Fatalf("marshal answer: %v", err)
	}
	mallory.send(signaling.Envelope{
		Type:   signaling.EventSignal,
		Signal: &signaling.Signal{Kind: signaling.SignalAnswer, To: alice.SelfID(), Payload: answer},
	})

	// Recovery must show up as a renegotiation request: the rebuilt link
	// kept the answering role, so it asks instead of offering.
	reneg := mallory.waitForSignal(signaling.SignalRenegotiate)
	if reneg.From != alice.SelfID() {
		t.Fatalf("renegotiation request from %q, want %q", reneg.From, alice.SelfID())
	}

	// The replacement negotiates: a real offer now gets answered.
	offer, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=mallory\r\n"})
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	mallory.send(signaling.Envelope{
		Type:   signaling.EventSignal,
		Signal: &signaling.Signal{Kind: signaling.SignalOffer, To: alice.SelfID(), Payload: offer},
	})
	got := mallory.waitForSignal(signaling.SignalAnswer)
	if got.From != alice.SelfID() {
		t.Fatalf("answer from %q, want %q", got.From, alice.SelfID())
	}

	made := tfA.all()
	if len(made) != 2 {
		t.Fatalf("transports created = %d, want 2 (original plus rebuild)", len(made))
	}
	if !made[0].isClosed() {
		t.Fatal("original transport must be torn down")
	}
	if offers, answers, remoteOffers, _ := made[1].counts(); offers != 0 || answers != 1 || remoteOffers != 1 {
		t.Fatalf("rebuilt transport counts = %d offers, %d answers, %d remote offers; want 0/1/1",
			offers, answers, remoteOffers)
	}
}

func TestCloseBeforeConnectReturns(t *testing.T) {
	tf := &transportFactory{}
	sess, err := client.New(client.Config{
		ServerURL:    "ws://localhost/ws",
		RoomID:       "r",
		DisplayName:  "n",
		NewTransport: tf.new,
		Capturer:     nullCapturer{},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	sess.Close()

	select {
	case <-sess.Done():
	default:
		t.Fatal("done must be closed after Close")
	}
}
