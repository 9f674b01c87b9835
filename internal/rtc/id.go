package rtc

import "github.com/google/uuid"

func randomTrackID() string {
	return uuid.NewString()
}
