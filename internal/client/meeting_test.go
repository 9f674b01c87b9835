package client_test

import (
	"testing"

	"github.com/meshmeet/meshmeet/internal/client"
)

func TestNewMeetingIDIsNumeric(t *testing.T) {
	id := client.NewMeetingID()
	if len(id) != 9 {
		t.Fatalf("id %q: want 9 digits", id)
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			t.Fatalf("id %q contains non-digit %q", id, c)
		}
	}
}

func TestNewMeetingIDVaries(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		seen[client.NewMeetingID()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("32 generated ids were all identical")
	}
}
