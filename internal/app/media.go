package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// ProducerView is the caller-facing description of a created producer.
type ProducerView struct {
	ID      string               `json:"id"`
	OwnerID domain.ParticipantID `json:"ownerId"`
	Kind    domain.MediaKind     `json:"kind"`
	Source  domain.TrackSource   `json:"source"`
}

// ConsumerView describes a created consumer.
type ConsumerView struct {
	ID         string               `json:"id"`
	ProducerID string               `json:"producerId"`
	OwnerID    domain.ParticipantID `json:"ownerId"`
	Kind       domain.MediaKind     `json:"kind"`
}

// Produce registers one outbound track for a joined participant.
// A request arriving before the participant's join has completed is
// rejected with an invalid-state error, never partially applied.
func (r *Registry) Produce(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, kind domain.MediaKind, rtp core.RTPParameters, source domain.TrackSource) (ProducerView, error) {
	s, err := r.get(sid)
	if err != nil {
		return ProducerView{}, err
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ProducerView{}, core.Errorf(core.KindNotFound, "session %s has ended", sid)
	}
	p, ok := s.participants[pid]
	if !ok || p.transport == nil {
		s.mu.Unlock()
		return ProducerView{}, core.Errorf(core.KindInvalidState, "produce before join for participant %s", pid)
	}
	switch kind {
	case domain.KindAudio, domain.KindVideo, domain.KindData:
	default:
		s.mu.Unlock()
		return ProducerView{}, core.Errorf(core.KindInvalidState, "unknown media kind %q", kind)
	}
	if source == domain.SourceScreen && !s.meta.Options.ScreenSharing {
		s.mu.Unlock()
		return ProducerView{}, core.Errorf(core.KindFeatureDisabled, "screen sharing is disabled for session %s", sid)
	}
	p.pending++
	tr := p.transport
	s.mu.Unlock()

	h, err := r.engine.Produce(ctx, tr, kind, rtp, source)

	s.mu.Lock()
	p.pending--
	if err != nil {
		s.mu.Unlock()
		return ProducerView{}, asEngineErr(err, "produce")
	}
	if p.leaving || s.ended || p.transport != tr {
		// Participant is gone; compensate by closing what the engine
		// just handed back.
		s.mu.Unlock()
		h.Close()
		return ProducerView{}, core.Errorf(core.KindInvalidState, "participant %s left during produce", pid)
	}
	s.producers[h.ID()] = &producerEntry{handle: h, owner: pid, kind: kind, source: source}
	others := s.othersLocked(pid)
	s.mu.Unlock()

	view := ProducerView{ID: h.ID(), OwnerID: pid, Kind: kind, Source: source}
	r.fanOut(others, "new-producer", view)
	log.Debug().Str("module", "app.registry").
		Str("session", string(sid)).
		Str("participant", string(pid)).
		Str("producer", view.ID).
		Str("kind", string(kind)).
		Msg("producer created")
	return view, nil
}

// Consume subscribes a participant to a peer's producer. Consuming
// one's own producer is rejected; receiver capabilities are checked
// before the engine is asked to do anything.
func (r *Registry) Consume(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, producerID string, receiver core.Capabilities) (ConsumerView, error) {
	s, err := r.get(sid)
	if err != nil {
		return ConsumerView{}, err
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ConsumerView{}, core.Errorf(core.KindNotFound, "session %s has ended", sid)
	}
	p, ok := s.participants[pid]
	if !ok || p.transport == nil {
		s.mu.Unlock()
		return ConsumerView{}, core.Errorf(core.KindInvalidState, "consume before join for participant %s", pid)
	}
	pr, ok := s.producers[producerID]
	if !ok {
		s.mu.Unlock()
		return ConsumerView{}, core.Errorf(core.KindNotFound, "producer %s not found", producerID)
	}
	if pr.owner == pid {
		s.mu.Unlock()
		return ConsumerView{}, core.Errorf(core.KindInvalidState, "participant %s may not consume its own producer", pid)
	}
	if !receiver.CanConsume(pr.kind) {
		s.mu.Unlock()
		return ConsumerView{}, core.Errorf(core.KindCapabilityMismatch, "receiver cannot consume %s producer %s", pr.kind, producerID)
	}
	p.pending++
	tr := p.transport
	handle := pr.handle
	kind := pr.kind
	s.mu.Unlock()

	h, err := r.engine.Consume(ctx, tr, handle, receiver)

	s.mu.Lock()
	p.pending--
	if err != nil {
		s.mu.Unlock()
		return ConsumerView{}, asEngineErr(err, "consume")
	}
	if p.leaving || s.ended || p.transport != tr {
		s.mu.Unlock()
		h.Close()
		return ConsumerView{}, core.Errorf(core.KindInvalidState, "participant %s left during consume", pid)
	}
	if _, still := s.producers[producerID]; !still {
		// Producer closed while the engine call was in flight.
		s.mu.Unlock()
		h.Close()
		return ConsumerView{}, core.Errorf(core.KindNotFound, "producer %s closed", producerID)
	}
	s.consumers[h.ID()] = &consumerEntry{handle: h, owner: pid, producerID: producerID}
	s.mu.Unlock()

	log.Debug().Str("module", "app.registry").
		Str("session", string(sid)).
		Str("participant", string(pid)).
		Str("producer", producerID).
		Str("consumer", h.ID()).
		Msg("consumer created")
	return ConsumerView{ID: h.ID(), ProducerID: producerID, OwnerID: pid, Kind: kind}, nil
}

// CloseProducer stops one of the caller's own tracks; consumers fed by
// it close with it.
func (r *Registry) CloseProducer(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, producerID string) error {
	s, err := r.get(sid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	pr, ok := s.producers[producerID]
	if !ok {
		s.mu.Unlock()
		return core.Errorf(core.KindNotFound, "producer %s not found", producerID)
	}
	if pr.owner != pid {
		s.mu.Unlock()
		return core.Errorf(core.KindUnauthorized, "producer %s is not owned by participant %s", producerID, pid)
	}
	var cs []closer
	for cid, c := range s.consumers {
		if c.producerID == producerID {
			delete(s.consumers, cid)
			cs = append(cs, c.handle)
		}
	}
	delete(s.producers, producerID)
	cs = append(cs, pr.handle)
	others := s.othersLocked(pid)
	s.mu.Unlock()

	closeAll(cs)
	r.fanOut(others, "producer-closed", ProducerView{ID: producerID, OwnerID: pid, Kind: pr.kind, Source: pr.source})
	return nil
}
