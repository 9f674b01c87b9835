package client

import (
	"crypto/rand"
	"math/big"
)

// meetingIDDigits matches the numeric ids the web client generates when
// starting a new meeting.
const meetingIDDigits = 9

// NewMeetingID returns a random numeric room id for creating a meeting.
// Leading zeros are allowed; the id is always meetingIDDigits long.
func NewMeetingID() string {
	digits := make([]byte, meetingIDDigits)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand only fails if the platform entropy source is
			// broken; nothing sensible to do but give up.
			panic("meeting id: " + err.Error())
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits)
}
