package app

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// SessionView is the read-only projection handed to callers; it never
// exposes engine handles.
type SessionView struct {
	domain.Session
	Participants []ParticipantView `json:"participants"`
	WaitingCount int               `json:"waitingCount"`
	RoomCount    int               `json:"roomCount"`
	Recording    *domain.Recording `json:"recording,omitempty"`
}

type ParticipantView struct {
	ID       domain.ParticipantID `json:"id"`
	Role     domain.Role          `json:"role"`
	JoinedAt time.Time            `json:"joinedAt"`
	Presence domain.Presence      `json:"presence"`
}

func (r *Registry) viewOf(s *session) SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := SessionView{
		Session:      s.meta,
		Participants: s.participantViewsLocked(),
		WaitingCount: len(s.waiting),
		RoomCount:    len(s.rooms),
	}
	if s.rec != nil {
		meta := s.rec.meta
		v.Recording = &meta
	}
	return v
}

func (s *session) participantViewsLocked() []ParticipantView {
	out := make([]ParticipantView, 0, len(s.participants))
	for id, p := range s.participants {
		out = append(out, ParticipantView{
			ID:       id,
			Role:     p.role,
			JoinedAt: p.joinedAt,
			Presence: s.presence[id],
		})
	}
	return out
}

// Participants lists the current members of a session.
func (r *Registry) Participants(sid domain.SessionID) ([]ParticipantView, error) {
	s, err := r.get(sid)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantViewsLocked(), nil
}

// SessionStats is a point-in-time count of the session's resource graph.
type SessionStats struct {
	SessionID     domain.SessionID     `json:"sessionId"`
	Status        domain.SessionStatus `json:"status"`
	Participants  int                  `json:"participants"`
	Waiting       int                  `json:"waiting"`
	Producers     int                  `json:"producers"`
	Consumers     int                  `json:"consumers"`
	BreakoutRooms int                  `json:"breakoutRooms"`
	Recording     bool                 `json:"recording"`
	Uptime        time.Duration        `json:"uptime"`
}

func (r *Registry) Stats(sid domain.SessionID) (SessionStats, error) {
	s, err := r.get(sid)
	if err != nil {
		return SessionStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		SessionID:     s.meta.ID,
		Status:        s.meta.Status,
		Participants:  len(s.participants),
		Waiting:       len(s.waiting),
		Producers:     len(s.producers),
		Consumers:     len(s.consumers),
		BreakoutRooms: len(s.rooms),
		Recording:     s.rec != nil && !s.rec.meta.State.Terminal(),
		Uptime:        time.Since(s.meta.CreatedAt),
	}, nil
}

// GlobalStats aggregates across the registry.
type GlobalStats struct {
	Sessions     int `json:"sessions"`
	Participants int `json:"participants"`
	Recordings   int `json:"recordings"`
}

func (r *Registry) GlobalStats() GlobalStats {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	recs := len(r.recordings)
	r.mu.RUnlock()

	g := GlobalStats{Sessions: len(sessions), Recordings: recs}
	for _, s := range sessions {
		s.mu.Lock()
		g.Participants += len(s.participants)
		s.mu.Unlock()
	}
	return g
}

// UpdateSettings applies a partial options patch mid-session; host
// only. Already-provisioned resources are not retrofitted: a lowered
// participant cap only gates future joins, and disabling a feature
// stops new uses without tearing down current ones.
func (r *Registry) UpdateSettings(sid domain.SessionID, caller domain.ParticipantID, patch domain.OptionsPatch) (domain.SessionOptions, error) {
	s, err := r.get(sid)
	if err != nil {
		return domain.SessionOptions{}, err
	}
	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return domain.SessionOptions{}, err
	}
	next, err := patch.Apply(s.meta.Options)
	if err != nil {
		s.mu.Unlock()
		return domain.SessionOptions{}, core.Wrap(core.KindInvalidState, err, "invalid settings patch")
	}
	s.meta.Options = next
	members := s.membersLocked()
	s.mu.Unlock()

	r.fanOut(members, "session-settings-updated", map[string]any{
		"sessionId": sid,
		"options":   next,
	})
	log.Info().Str("module", "app.registry").
		Str("session", string(sid)).
		Msg("session settings updated")
	return next, nil
}
