package core

import (
	"context"
	"encoding/json"

	"github.com/telecare/parley/internal/domain"
)

// RTPParameters are opaque negotiated track parameters; this layer only
// carries them between the client and the engine.
type RTPParameters = json.RawMessage

// CodecCapability describes one codec a router or receiver supports.
type CodecCapability struct {
	Kind      domain.MediaKind `json:"kind"`
	MimeType  string           `json:"mimeType"`
	ClockRate uint32           `json:"clockRate"`
	Channels  uint16           `json:"channels,omitempty"`
}

// Capabilities is the codec set of a router or of a consuming receiver.
type Capabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// CanConsume reports whether a receiver with these capabilities can
// consume a track of the given kind. Data tracks need no codec.
func (c Capabilities) CanConsume(kind domain.MediaKind) bool {
	if kind == domain.KindData {
		return true
	}
	for _, codec := range c.Codecs {
		if codec.Kind == kind {
			return true
		}
	}
	return false
}

// TransportParams is what a joining participant needs to negotiate its
// network path with the engine.
type TransportParams struct {
	TransportID string   `json:"transportId"`
	ICEServers  []string `json:"iceServers,omitempty"`
}

// Router is the engine construct coordinating one call's media.
// Close is idempotent on every handle type.
type Router interface {
	ID() string
	Capabilities() Capabilities
	Close()
}

// Transport is one participant's negotiated path to the engine.
type Transport interface {
	ID() string
	Params() TransportParams
	Close()
}

// Producer is one outbound track bound to a transport.
type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Source() domain.TrackSource
	Close()
}

// Consumer is one subscription to a remote producer's stream.
type Consumer interface {
	ID() string
	ProducerID() string
	Close()
}

// MediaEngine wraps one SFU engine instance. All calls are I/O-bound
// and must not be made while holding a session lock. Engine process
// death is fatal for every session bound to the instance; the adapter
// reports it through OnFatal and never resumes in place.
type MediaEngine interface {
	CreateRouter(ctx context.Context, codecs []CodecCapability) (Router, error)
	CreateTransport(ctx context.Context, router Router, participant domain.ParticipantID) (Transport, error)
	Produce(ctx context.Context, transport Transport, kind domain.MediaKind, rtp RTPParameters, source domain.TrackSource) (Producer, error)
	Consume(ctx context.Context, transport Transport, producer Producer, receiver Capabilities) (Consumer, error)
	OnFatal(fn func(error))
	Close()
}
