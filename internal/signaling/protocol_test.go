package signaling

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelopeValid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"join", `{"type":"join-room","join":{"roomId":"r","displayName":"Alice"}}`},
		{"join wants admin", `{"type":"join-room","join":{"roomId":"r","displayName":"Alice","wantsAdmin":true}}`},
		{"offer", `{"type":"signal","signal":{"kind":"offer","to":"b","payload":{"type":"offer","sdp":"v=0"}}}`},
		{"answer", `{"type":"signal","signal":{"kind":"answer","to":"a","payload":{"type":"answer","sdp":"v=0"}}}`},
		{"candidate", `{"type":"signal","signal":{"kind":"candidate","to":"b","payload":{"candidate":"candidate:1"}}}`},
		{"renegotiate", `{"type":"signal","signal":{"kind":"renegotiate","to":"b"}}`},
		{"chat", `{"type":"chat-message","chat":{"text":"hi"}}`},
		{"kick", `{"type":"kick-user","target":"b"}`},
		{"make admin", `{"type":"make-admin","target":"b"}`},
		{"allow sharing", `{"type":"allow-sharing","target":"b"}`},
		{"disallow sharing", `{"type":"disallow-sharing","target":"b"}`},
		{"mute", `{"type":"mute-user","target":"b","mute":true}`},
		{"unmute unicast", `{"type":"mute-user","mute":false}`},
		{"leave", `{"type":"leave"}`},
		{"joined", `{"type":"joined","self":{"id":"a","displayName":"Alice","role":"admin","canShareMedia":true}}`},
		{"existing users", `{"type":"existing-users","users":[{"id":"a","displayName":"Alice","role":"admin","canShareMedia":true}]}`},
		{"existing users empty", `{"type":"existing-users"}`},
		{"user connected", `{"type":"user-connected","user":{"id":"b","displayName":"Bob","role":"member","canShareMedia":false}}`},
		{"user disconnected", `{"type":"user-disconnected","userId":"b"}`},
		{"admin changed", `{"type":"admin-changed","adminChange":{"old":"a","new":"b"}}`},
		{"sharing allowed", `{"type":"sharing-allowed"}`},
		{"kicked", `{"type":"kicked"}`},
		{"error", `{"type":"error","code":"permission_denied","message":"admin only"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tc.raw)); err != nil {
				t.Fatalf("ParseEnvelope(%s): %v", tc.raw, err)
			}
		})
	}
}

func TestParseEnvelopeInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", `{}`},
		{"unknown type", `{"type":"dance"}`},
		{"not json", `nope`},
		{"unknown field", `{"type":"leave","extra":1}`},
		{"trailing data", `{"type":"leave"}{"type":"leave"}`},
		{"join missing room", `{"type":"join-room","join":{"displayName":"Alice"}}`},
		{"join missing name", `{"type":"join-room","join":{"roomId":"r"}}`},
		{"join with target", `{"type":"join-room","join":{"roomId":"r","displayName":"A"},"target":"b"}`},
		{"signal missing body", `{"type":"signal"}`},
		{"signal bad kind", `{"type":"signal","signal":{"kind":"poke","to":"b","payload":{}}}`},
		{"offer without payload", `{"type":"signal","signal":{"kind":"offer","to":"b"}}`},
		{"renegotiate with payload", `{"type":"signal","signal":{"kind":"renegotiate","to":"b","payload":{}}}`},
		{"chat empty text", `{"type":"chat-message","chat":{"text":""}}`},
		{"kick missing target", `{"type":"kick-user"}`},
		{"mute missing flag", `{"type":"mute-user","target":"b"}`},
		{"leave with fields", `{"type":"leave","target":"b"}`},
		{"joined missing self", `{"type":"joined"}`},
		{"user-connected missing user", `{"type":"user-connected"}`},
		{"user-disconnected missing id", `{"type":"user-disconnected"}`},
		{"admin-changed missing body", `{"type":"admin-changed"}`},
		{"error missing code", `{"type":"error","message":"boom"}`},
		{"kicked with junk", `{"type":"kicked","userId":"b"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tc.raw)); err == nil {
				t.Fatalf("ParseEnvelope(%s) accepted invalid frame", tc.raw)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	mute := true
	env := Envelope{
		Type:   EventMuteUser,
		Target: "b",
		Mute:   &mute,
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Type != EventMuteUser || parsed.Target != "b" || parsed.Mute == nil || !*parsed.Mute {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func TestSignalPayloadIsOpaque(t *testing.T) {
	raw := `{"type":"signal","signal":{"kind":"offer","to":"b","payload":{"type":"offer","sdp":"v=0\r\n","anything":["goes",1]}}}`
	env, err := ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// The relay must not reinterpret the payload; it round-trips as raw
	// bytes.
	var echo struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(env.Signal.Payload, &echo); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if echo.SDP != "v=0\r\n" {
		t.Fatalf("payload sdp = %q", echo.SDP)
	}
}
