// Package metrics is a minimal, concurrency-safe counter registry for the
// signaling server. It exists to keep relay and admin enforcement logic
// testable; the Prometheus handler exposes the counters for scraping.
package metrics

import "sync"

// Counter names used across the signaling server.
const (
	ParticipantJoined   = "participant_joined"
	ParticipantLeft     = "participant_left"
	RoomCreated         = "room_created"
	SignalRelayed       = "signal_relayed"
	SignalDropped       = "signal_dropped"
	ChatRelayed         = "chat_relayed"
	AdminTransferred    = "admin_transferred"
	ParticipantKicked   = "participant_kicked"
	PermissionDenied    = "permission_denied"
	DropReasonRateLimit = "rate_limited"
	BadMessage          = "bad_message"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies all counters for export.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
