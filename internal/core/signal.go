package core

import "github.com/telecare/parley/internal/domain"

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// EventSink delivers server-initiated events to a connected
// participant. Delivery is deliver-then-forget: failures are surfaced
// as metrics by the implementation, never back to the mutator.
type EventSink interface {
	Send(id domain.ParticipantID, event string, payload any)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Send(domain.ParticipantID, string, any) {}
