package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// JoinResult is what a joining participant gets back: either transport
// negotiation material, or a pending-admission marker.
type JoinResult struct {
	AdmissionPending   bool                 `json:"admissionPending"`
	TransportParams    core.TransportParams `json:"transportParams,omitzero"`
	RouterCapabilities core.Capabilities    `json:"routerCapabilities,omitzero"`
}

// Join admits a participant into the live resource graph, or routes a
// non-host caller into the waiting room when the gate is enabled.
func (r *Registry) Join(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, role domain.Role) (JoinResult, error) {
	s, err := r.get(sid)
	if err != nil {
		return JoinResult{}, err
	}
	if err := r.identity.ValidateParticipant(ctx, pid); err != nil {
		return JoinResult{}, core.Wrap(core.KindUnauthorized, err, "participant not authorized")
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return JoinResult{}, core.Errorf(core.KindNotFound, "session %s has ended", sid)
	}
	_, already := s.participants[pid]
	gated := s.meta.Options.WaitingRoom && role == domain.RoleParticipant && !already
	if gated {
		host := s.meta.StartedBy
		queued := s.enqueueWaitingLocked(pid)
		s.mu.Unlock()
		if queued {
			r.events.Send(host, "waiting-room-join", waitingPayload{SessionID: sid, ParticipantID: pid})
			r.notifier.Notify(ctx, core.Notification{
				Type:        "WAITING_ROOM_JOIN",
				RecipientID: host,
				SessionID:   sid,
				Message:     "participant is waiting to join",
			})
		}
		return JoinResult{AdmissionPending: true}, nil
	}
	s.mu.Unlock()

	return r.provision(ctx, s, pid, role)
}

// provision creates (or replaces) the participant's transport and
// commits membership. Shared by the direct join path and waiting-room
// admission. The engine call happens outside the session lock; a leave
// or disconnect racing with it triggers compensating teardown on
// commit instead of leaving an orphaned handle.
func (r *Registry) provision(ctx context.Context, s *session, pid domain.ParticipantID, role domain.Role) (JoinResult, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return JoinResult{}, core.Errorf(core.KindNotFound, "session %s has ended", s.meta.ID)
	}
	p, already := s.participants[pid]
	if !already {
		if len(s.participants) >= s.meta.Options.MaxParticipants {
			s.mu.Unlock()
			return JoinResult{}, core.Errorf(core.KindInvalidState, "session %s is full", s.meta.ID)
		}
		p = &participant{id: pid, role: role, joinedAt: time.Now()}
		s.participants[pid] = p
	}
	p.pending++
	router := s.router
	s.mu.Unlock()

	tr, err := r.engine.CreateTransport(ctx, router, pid)

	s.mu.Lock()
	p.pending--
	if err != nil {
		if !already && p.transport == nil && p.pending == 0 {
			delete(s.participants, pid)
		}
		s.mu.Unlock()
		return JoinResult{}, asEngineErr(err, "create transport")
	}
	if p.leaving || s.ended {
		s.mu.Unlock()
		tr.Close()
		return JoinResult{}, core.Errorf(core.KindInvalidState, "participant %s left during join", pid)
	}
	// Replacing a prior transport closes it and everything it carried.
	var stale []closer
	if p.transport != nil {
		stale = s.detachMediaLocked(pid)
	}
	p.transport = tr
	if s.meta.Status == domain.SessionPending {
		s.meta.Status = domain.SessionActive
	}
	others := s.othersLocked(pid)
	caps := s.router.Capabilities()
	params := tr.Params()
	s.mu.Unlock()

	closeAll(stale)
	r.fanOut(others, "peer-joined", peerPayload{SessionID: s.meta.ID, ParticipantID: pid})
	log.Info().Str("module", "app.registry").
		Str("session", string(s.meta.ID)).
		Str("participant", string(pid)).
		Str("role", string(role)).
		Msg("participant joined")
	return JoinResult{TransportParams: params, RouterCapabilities: caps}, nil
}

type peerPayload struct {
	SessionID     domain.SessionID     `json:"sessionId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
}

// Leave removes a participant and cascades the close of its resources.
// An empty participant set ends the session and tears the entry down.
func (r *Registry) Leave(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) error {
	s, err := r.get(sid)
	if err != nil {
		return err
	}
	return r.leave(ctx, s, pid, "leave")
}

func (r *Registry) leave(ctx context.Context, s *session, pid domain.ParticipantID, cause string) error {
	s.mu.Lock()
	p, ok := s.participants[pid]
	if !ok {
		// A waiting participant can withdraw before admission.
		dequeued := s.dequeueWaitingLocked(pid)
		s.mu.Unlock()
		if !dequeued {
			return core.Errorf(core.KindNotFound, "participant %s not in session %s", pid, s.meta.ID)
		}
		return nil
	}
	if p.pending > 0 {
		// An engine call is in flight for this participant; the commit
		// path will tear down whatever it returns.
		p.leaving = true
	}
	closers := s.detachParticipantLocked(pid)
	delete(s.participants, pid)
	s.dequeueWaitingLocked(pid)

	var rec *recording
	var endClosers []closer
	ended := false
	if len(s.participants) == 0 && !s.ended {
		rec, endClosers = s.endLocked()
		ended = true
	}
	others := s.membersLocked()
	s.mu.Unlock()

	closeAll(closers)
	r.fanOut(others, "peer-left", peerPayload{SessionID: s.meta.ID, ParticipantID: pid})
	log.Info().Str("module", "app.registry").
		Str("session", string(s.meta.ID)).
		Str("participant", string(pid)).
		Str("cause", cause).
		Msg("participant left")

	if ended {
		r.finalizeRecording(ctx, s, rec)
		closeAll(endClosers)
		r.removeSession(s)
	}
	return nil
}

// Disconnect handles transport-level loss: it has the same effect as
// Leave for every session the participant is part of.
func (r *Registry) Disconnect(ctx context.Context, pid domain.ParticipantID) {
	r.mu.RLock()
	snapshot := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		s.mu.Lock()
		_, member := s.participants[pid]
		waiting := s.isWaitingLocked(pid)
		s.mu.Unlock()
		if member || waiting {
			_ = r.leave(ctx, s, pid, "disconnect")
		}
	}
}

// End explicitly ends a session; host only.
func (r *Registry) End(ctx context.Context, sid domain.SessionID, caller domain.ParticipantID) error {
	s, err := r.get(sid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return err
	}
	members := s.membersLocked()
	rec, closers := s.endLocked()
	s.mu.Unlock()

	r.fanOut(members, "session-ended", endedPayload{SessionID: sid, Reason: "ended-by-host"})
	r.finalizeRecording(ctx, s, rec)
	closeAll(closers)
	r.removeSession(s)
	return nil
}

// DisconnectParticipant is the host-initiated removal of one
// participant, with an explicit signal to the target.
func (r *Registry) DisconnectParticipant(ctx context.Context, sid domain.SessionID, caller, target domain.ParticipantID) error {
	s, err := r.get(sid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := r.leave(ctx, s, target, "disconnected-by-host"); err != nil {
		return err
	}
	r.events.Send(target, "disconnected", endedPayload{SessionID: sid, Reason: "disconnected-by-host"})
	return nil
}

// detachMediaLocked removes the participant's producers, the consumers
// feeding off them, and its own consumers, plus the current transport.
// Returns the handles for the caller to close outside the lock.
func (s *session) detachMediaLocked(pid domain.ParticipantID) []closer {
	var cs []closer
	for cid, c := range s.consumers {
		if c.owner == pid {
			delete(s.consumers, cid)
			cs = append(cs, c.handle)
		}
	}
	for prid, pr := range s.producers {
		if pr.owner != pid {
			continue
		}
		for cid, c := range s.consumers {
			if c.producerID == prid {
				delete(s.consumers, cid)
				cs = append(cs, c.handle)
			}
		}
		delete(s.producers, prid)
		cs = append(cs, pr.handle)
	}
	if p := s.participants[pid]; p != nil && p.transport != nil {
		cs = append(cs, p.transport)
		p.transport = nil
	}
	return cs
}

// detachParticipantLocked is the full ownership-tree walk for one
// participant: media, breakout membership, presence.
func (s *session) detachParticipantLocked(pid domain.ParticipantID) []closer {
	cs := s.detachMediaLocked(pid)
	for _, room := range s.rooms {
		if t, ok := room.transports[pid]; ok {
			delete(room.transports, pid)
			cs = append(cs, t)
		}
		delete(room.participants, pid)
	}
	delete(s.presence, pid)
	return cs
}

// endLocked marks the session Ended and collects every remaining
// resource for closing: consumers, producers, transports, breakout
// graphs, and finally the router. The non-terminal recording, if any,
// is returned for the caller to finalize.
func (s *session) endLocked() (*recording, []closer) {
	if s.ended {
		return nil, nil
	}
	s.ended = true
	s.meta.Status = domain.SessionEnded
	s.meta.EndedAt = time.Now()

	var cs []closer
	for cid, c := range s.consumers {
		delete(s.consumers, cid)
		cs = append(cs, c.handle)
	}
	for prid, pr := range s.producers {
		delete(s.producers, prid)
		cs = append(cs, pr.handle)
	}
	for _, p := range s.participants {
		if p.transport != nil {
			cs = append(cs, p.transport)
			p.transport = nil
		}
		p.leaving = true
	}
	s.participants = make(map[domain.ParticipantID]*participant)
	s.waiting = nil
	cs = append(cs, s.closeRoomsLocked()...)
	cs = append(cs, s.router)

	var rec *recording
	if s.rec != nil && !s.rec.meta.State.Terminal() {
		rec = s.rec
	}
	return rec, cs
}
