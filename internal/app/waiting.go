package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// waitingEntry is one participant holding for admission, ordered by
// arrival.
type waitingEntry struct {
	pid      domain.ParticipantID
	joinedAt time.Time
}

type waitingPayload struct {
	SessionID     domain.SessionID     `json:"sessionId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
}

// WaitingView is the host-facing snapshot of one pending entry.
type WaitingView struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	JoinedAt      time.Time            `json:"joinedAt"`
}

func (s *session) enqueueWaitingLocked(pid domain.ParticipantID) bool {
	if s.isWaitingLocked(pid) {
		return false
	}
	s.waiting = append(s.waiting, waitingEntry{pid: pid, joinedAt: time.Now()})
	return true
}

func (s *session) isWaitingLocked(pid domain.ParticipantID) bool {
	for _, e := range s.waiting {
		if e.pid == pid {
			return true
		}
	}
	return false
}

func (s *session) dequeueWaitingLocked(pid domain.ParticipantID) bool {
	for i, e := range s.waiting {
		if e.pid == pid {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// WaitingRoom lists pending entries in arrival order; host only.
func (r *Registry) WaitingRoom(sid domain.SessionID, caller domain.ParticipantID) ([]WaitingView, error) {
	s, err := r.get(sid)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireHostLocked(caller); err != nil {
		return nil, err
	}
	out := make([]WaitingView, 0, len(s.waiting))
	for _, e := range s.waiting {
		out = append(out, WaitingView{ParticipantID: e.pid, JoinedAt: e.joinedAt})
	}
	return out, nil
}

// Admit dequeues a waiting participant and performs the deferred join
// provisioning; host only.
func (r *Registry) Admit(ctx context.Context, sid domain.SessionID, caller, pid domain.ParticipantID) (JoinResult, error) {
	s, err := r.get(sid)
	if err != nil {
		return JoinResult{}, err
	}
	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return JoinResult{}, err
	}
	if !s.dequeueWaitingLocked(pid) {
		s.mu.Unlock()
		return JoinResult{}, core.Errorf(core.KindInvalidState, "participant %s is not in the waiting room", pid)
	}
	s.mu.Unlock()

	res, err := r.provision(ctx, s, pid, domain.RoleParticipant)
	if err != nil {
		return JoinResult{}, err
	}

	r.events.Send(pid, "waiting-room-admitted", waitingPayload{SessionID: sid, ParticipantID: pid})
	r.notifier.Notify(ctx, core.Notification{
		Type:        "WAITING_ROOM_ADMITTED",
		RecipientID: pid,
		SessionID:   sid,
		Message:     "you have been admitted to the session",
	})
	log.Info().Str("module", "app.waiting").
		Str("session", string(sid)).
		Str("participant", string(pid)).
		Str("admitted_by", string(caller)).
		Msg("participant admitted")
	return res, nil
}

// Reject dequeues and discards a waiting participant; host only. The
// participant is told, fire-and-forget.
func (r *Registry) Reject(ctx context.Context, sid domain.SessionID, caller, pid domain.ParticipantID) error {
	s, err := r.get(sid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.dequeueWaitingLocked(pid) {
		s.mu.Unlock()
		return core.Errorf(core.KindInvalidState, "participant %s is not in the waiting room", pid)
	}
	s.mu.Unlock()

	r.events.Send(pid, "waiting-room-rejected", waitingPayload{SessionID: sid, ParticipantID: pid})
	r.notifier.Notify(ctx, core.Notification{
		Type:        "WAITING_ROOM_REJECTED",
		RecipientID: pid,
		SessionID:   sid,
		Message:     "your request to join was declined",
	})
	log.Info().Str("module", "app.waiting").
		Str("session", string(sid)).
		Str("participant", string(pid)).
		Str("rejected_by", string(caller)).
		Msg("participant rejected")
	return nil
}
