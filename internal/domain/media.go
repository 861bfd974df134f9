package domain

// MediaKind is the class of a produced track.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
	KindData  MediaKind = "data"
)

// TrackSource is the application-level hint for where a track comes from.
type TrackSource string

const (
	SourceCamera TrackSource = "camera"
	SourceScreen TrackSource = "screen"
	SourceMic    TrackSource = "mic"
	SourceSystem TrackSource = "system"
)

// StreamRef points at a live producer stream, used when handing sources
// to the external capture pipeline.
type StreamRef struct {
	ProducerID string        `json:"producerId"`
	OwnerID    ParticipantID `json:"ownerId"`
	Kind       MediaKind     `json:"kind"`
	Source     TrackSource   `json:"source"`
}
