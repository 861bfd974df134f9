package app

import (
	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// requireHostLocked is the single authorization predicate for every
// host-only operation: waiting-room admit/reject, breakout-room
// management, settings, recording start/stop, explicit end.
func (s *session) requireHostLocked(caller domain.ParticipantID) error {
	if caller == s.meta.StartedBy {
		return nil
	}
	return core.Errorf(core.KindUnauthorized, "participant %s is not the host of session %s", caller, s.meta.ID)
}
