package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	DefaultMaxParticipants = 16
	DefaultChatRingSize    = 500
)

// SessionOptions is the closed set of recognized session feature flags.
// Unknown keys are rejected at decode time rather than silently kept.
type SessionOptions struct {
	Recording     bool `json:"recording"`
	Chat          bool `json:"chat"`
	ScreenSharing bool `json:"screenSharing"`
	WaitingRoom   bool `json:"waitingRoom"`
	BreakoutRooms bool `json:"breakoutRooms"`

	MaxParticipants int `json:"maxParticipants"`

	VideoCodec string `json:"videoCodec"` // VP8, VP9, H264
	AudioCodec string `json:"audioCodec"` // opus

	RecordingQuality string `json:"recordingQuality"` // high, medium, low
	RecordingFormat  string `json:"recordingFormat"`  // mp4, webm

	ChatRetentionDays int `json:"chatRetentionDays"`
	ChatRingSize      int `json:"chatRingSize"`
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Chat:             true,
		ScreenSharing:    true,
		MaxParticipants:  DefaultMaxParticipants,
		VideoCodec:       "VP8",
		AudioCodec:       "opus",
		RecordingQuality: "medium",
		RecordingFormat:  "mp4",
		ChatRingSize:     DefaultChatRingSize,
	}
}

func (o *SessionOptions) Validate() error {
	switch o.VideoCodec {
	case "VP8", "VP9", "H264":
	default:
		return fmt.Errorf("unsupported video codec %q", o.VideoCodec)
	}
	if o.AudioCodec != "opus" {
		return fmt.Errorf("unsupported audio codec %q", o.AudioCodec)
	}
	switch o.RecordingQuality {
	case "high", "medium", "low":
	default:
		return fmt.Errorf("unsupported recording quality %q", o.RecordingQuality)
	}
	switch o.RecordingFormat {
	case "mp4", "webm":
	default:
		return fmt.Errorf("unsupported recording format %q", o.RecordingFormat)
	}
	if o.MaxParticipants <= 0 {
		return fmt.Errorf("maxParticipants must be positive, got %d", o.MaxParticipants)
	}
	if o.ChatRingSize <= 0 {
		return fmt.Errorf("chatRingSize must be positive, got %d", o.ChatRingSize)
	}
	return nil
}

// DecodeSessionOptions strictly decodes raw JSON over the defaults.
// An unrecognized key is an error, not an ignored blob.
func DecodeSessionOptions(raw []byte) (SessionOptions, error) {
	opts := DefaultSessionOptions()
	if len(raw) == 0 {
		return opts, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		return SessionOptions{}, fmt.Errorf("decode session options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return SessionOptions{}, err
	}
	return opts, nil
}

// OptionsPatch is a partial settings update; nil fields are untouched.
type OptionsPatch struct {
	Recording     *bool `json:"recording,omitempty"`
	Chat          *bool `json:"chat,omitempty"`
	ScreenSharing *bool `json:"screenSharing,omitempty"`
	WaitingRoom   *bool `json:"waitingRoom,omitempty"`
	BreakoutRooms *bool `json:"breakoutRooms,omitempty"`

	MaxParticipants *int `json:"maxParticipants,omitempty"`

	RecordingQuality *string `json:"recordingQuality,omitempty"`
	RecordingFormat  *string `json:"recordingFormat,omitempty"`
}

// Apply returns a copy of base with the patch applied and validated.
func (p OptionsPatch) Apply(base SessionOptions) (SessionOptions, error) {
	out := base
	if p.Recording != nil {
		out.Recording = *p.Recording
	}
	if p.Chat != nil {
		out.Chat = *p.Chat
	}
	if p.ScreenSharing != nil {
		out.ScreenSharing = *p.ScreenSharing
	}
	if p.WaitingRoom != nil {
		out.WaitingRoom = *p.WaitingRoom
	}
	if p.BreakoutRooms != nil {
		out.BreakoutRooms = *p.BreakoutRooms
	}
	if p.MaxParticipants != nil {
		out.MaxParticipants = *p.MaxParticipants
	}
	if p.RecordingQuality != nil {
		out.RecordingQuality = *p.RecordingQuality
	}
	if p.RecordingFormat != nil {
		out.RecordingFormat = *p.RecordingFormat
	}
	if err := out.Validate(); err != nil {
		return SessionOptions{}, err
	}
	return out, nil
}
