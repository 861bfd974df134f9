package domain

import "time"

type RecordingID string

type RecordingState string

const (
	RecordingPending    RecordingState = "pending"
	RecordingActive     RecordingState = "recording"
	RecordingProcessing RecordingState = "processing"
	RecordingCompleted  RecordingState = "completed"
	RecordingFailed     RecordingState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s RecordingState) Terminal() bool {
	return s == RecordingCompleted || s == RecordingFailed
}

type Recording struct {
	ID        RecordingID    `json:"id"`
	SessionID SessionID      `json:"sessionId"`
	StartedBy ParticipantID  `json:"startedBy"`
	State     RecordingState `json:"state"`
	Quality   string         `json:"quality"`
	Format    string         `json:"format"`
	Streams   []StreamRef    `json:"streams"`

	StartedAt  time.Time     `json:"startedAt"`
	StoppedAt  time.Time     `json:"stoppedAt,omitzero"`
	StorageURL string        `json:"storageUrl,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	FileSize   int64         `json:"fileSize,omitempty"`

	// Error keeps the failure detail for diagnostics; never discarded.
	Error string `json:"error,omitempty"`
}
