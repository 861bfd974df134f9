package core

import (
	"context"
	"time"

	"github.com/telecare/parley/internal/domain"
)

// Identity is the external authorization check for joining callers.
type Identity interface {
	ValidateParticipant(ctx context.Context, id domain.ParticipantID) error
}

// Artifact is a stored recording artifact reference.
type Artifact struct {
	URL string
	Key string
}

// ArtifactMetadata travels with an uploaded artifact.
type ArtifactMetadata struct {
	SessionID   domain.SessionID
	RecordingID domain.RecordingID
	Format      string
	Quality     string
	Duration    time.Duration
}

// ArtifactStore is the external storage for completed recordings.
type ArtifactStore interface {
	UploadArtifact(ctx context.Context, localRef string, meta ArtifactMetadata) (Artifact, error)
}

// Notification is a fire-and-forget dispatch request; failures must
// never fail the core operation that triggered them.
type Notification struct {
	Type        string
	RecipientID domain.ParticipantID
	SessionID   domain.SessionID
	Message     string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// CaptureJob hands producer stream references to the external
// capture/encode pipeline; this core only tracks state around it.
type CaptureJob struct {
	SessionID   domain.SessionID
	RecordingID domain.RecordingID
	Streams     []domain.StreamRef
	Quality     string
	Format      string
}

// CaptureResult is what the pipeline reports after stopping.
type CaptureResult struct {
	LocalRef string
	Duration time.Duration
	FileSize int64
}

type CaptureHandle interface {
	Stop(ctx context.Context) (CaptureResult, error)
}

type CapturePipeline interface {
	Start(ctx context.Context, job CaptureJob) (CaptureHandle, error)
}

// ChatArchiver persists chat messages when retention is configured.
// The in-memory ring stays authoritative for history reads.
type ChatArchiver interface {
	Archive(ctx context.Context, msg domain.ChatMessage) error
}
