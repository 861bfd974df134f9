package domain

import "errors"

const MaxParticipantIDLen = 64

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
)

// NewParticipantID validates an externally supplied participant id.
// Identity itself is owned by an external service; this core only
// keeps the opaque id.
func NewParticipantID(raw string) (ParticipantID, error) {
	if len(raw) == 0 {
		return "", ErrParticipantIDEmpty
	}
	if len(raw) > MaxParticipantIDLen {
		return "", ErrParticipantIDTooLong
	}
	return ParticipantID(raw), nil
}

// Presence is the last-known media status of a participant,
// broadcast fire-and-forget over the signaling channel.
type Presence struct {
	VideoEnabled  bool `json:"videoEnabled"`
	AudioEnabled  bool `json:"audioEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}
