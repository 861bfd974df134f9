package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// recording pairs the state machine with the live pipeline handle.
type recording struct {
	meta   domain.Recording
	handle core.CaptureHandle
}

// StreamSelector narrows which producer streams a recording captures;
// empty fields select everything.
type StreamSelector struct {
	Kinds   []domain.MediaKind     `json:"kinds,omitempty"`
	Sources []domain.TrackSource   `json:"sources,omitempty"`
	Owners  []domain.ParticipantID `json:"owners,omitempty"`
}

func (sel StreamSelector) matches(e *producerEntry) bool {
	contains := func(n int, ok func(i int) bool) bool {
		if n == 0 {
			return true
		}
		for i := 0; i < n; i++ {
			if ok(i) {
				return true
			}
		}
		return false
	}
	return contains(len(sel.Kinds), func(i int) bool { return sel.Kinds[i] == e.kind }) &&
		contains(len(sel.Sources), func(i int) bool { return sel.Sources[i] == e.source }) &&
		contains(len(sel.Owners), func(i int) bool { return sel.Owners[i] == e.owner })
}

type recordingStatusPayload struct {
	SessionID   domain.SessionID      `json:"sessionId"`
	RecordingID domain.RecordingID    `json:"recordingId"`
	State       domain.RecordingState `json:"state"`
}

// StartRecording transitions a new recording to the active state and
// hands the selected stream references to the capture pipeline; host
// only. At most one non-terminal recording per session.
func (r *Registry) StartRecording(ctx context.Context, sid domain.SessionID, caller domain.ParticipantID, sel StreamSelector) (domain.Recording, error) {
	s, err := r.get(sid)
	if err != nil {
		return domain.Recording{}, err
	}

	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return domain.Recording{}, err
	}
	if !s.meta.Options.Recording {
		s.mu.Unlock()
		return domain.Recording{}, core.Errorf(core.KindFeatureDisabled, "recording is disabled for session %s", sid)
	}
	if s.rec != nil && !s.rec.meta.State.Terminal() {
		s.mu.Unlock()
		return domain.Recording{}, core.Errorf(core.KindInvalidState, "session %s already has an active recording", sid)
	}
	streams := make([]domain.StreamRef, 0, len(s.producers))
	for id, pr := range s.producers {
		if sel.matches(pr) {
			streams = append(streams, domain.StreamRef{
				ProducerID: id,
				OwnerID:    pr.owner,
				Kind:       pr.kind,
				Source:     pr.source,
			})
		}
	}
	rec := &recording{meta: domain.Recording{
		ID:        domain.RecordingID(uuid.NewString()),
		SessionID: sid,
		StartedBy: caller,
		State:     domain.RecordingPending,
		Quality:   s.meta.Options.RecordingQuality,
		Format:    s.meta.Options.RecordingFormat,
		Streams:   streams,
		StartedAt: time.Now(),
	}}
	s.rec = rec
	job := core.CaptureJob{
		SessionID:   sid,
		RecordingID: rec.meta.ID,
		Streams:     streams,
		Quality:     rec.meta.Quality,
		Format:      rec.meta.Format,
	}
	s.mu.Unlock()

	handle, err := r.pipeline.Start(ctx, job)

	s.mu.Lock()
	// The session may have ended (force-finalizing rec) while the
	// capture start was in flight; never commit over a terminal state.
	stale := s.ended || s.rec != rec || rec.meta.State.Terminal()
	if err != nil {
		if !stale {
			rec.meta.State = domain.RecordingFailed
			rec.meta.Error = err.Error()
			rec.meta.StoppedAt = time.Now()
		}
		meta := rec.meta
		s.mu.Unlock()
		return meta, core.Wrap(core.KindEngineFailure, err, "start capture pipeline")
	}
	if stale {
		s.mu.Unlock()
		if _, serr := handle.Stop(ctx); serr != nil {
			log.Error().Err(serr).Str("module", "app.recording").
				Str("recording", string(rec.meta.ID)).
				Msg("stop orphaned capture")
		}
		return domain.Recording{}, core.Errorf(core.KindInvalidState, "session %s ended while capture was starting", sid)
	}
	rec.handle = handle
	rec.meta.State = domain.RecordingActive
	meta := rec.meta
	members := s.membersLocked()
	s.mu.Unlock()

	r.mu.Lock()
	r.recordings[rec.meta.ID] = sid
	r.mu.Unlock()

	r.fanOut(members, "recording-status-update", recordingStatusPayload{
		SessionID: sid, RecordingID: rec.meta.ID, State: domain.RecordingActive,
	})
	log.Info().Str("module", "app.recording").
		Str("session", string(sid)).
		Str("recording", string(rec.meta.ID)).
		Int("streams", len(streams)).
		Msg("recording started")
	return meta, nil
}

// StopRecording moves the active recording to Processing and drives it
// to a terminal state: Completed with a storage location, or Failed
// with the error retained; host only.
func (r *Registry) StopRecording(ctx context.Context, recID domain.RecordingID, caller domain.ParticipantID) (domain.Recording, error) {
	r.mu.RLock()
	sid, ok := r.recordings[recID]
	s := r.sessions[sid]
	r.mu.RUnlock()
	if !ok || s == nil {
		return domain.Recording{}, core.Errorf(core.KindNotFound, "recording %s not found", recID)
	}

	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return domain.Recording{}, err
	}
	rec := s.rec
	if rec == nil || rec.meta.ID != recID {
		s.mu.Unlock()
		return domain.Recording{}, core.Errorf(core.KindNotFound, "recording %s not found", recID)
	}
	if rec.meta.State != domain.RecordingActive {
		state := rec.meta.State
		s.mu.Unlock()
		return domain.Recording{}, core.Errorf(core.KindInvalidState, "recording %s is %s, not recording", recID, state)
	}
	rec.meta.State = domain.RecordingProcessing
	rec.meta.StoppedAt = time.Now()
	members := s.membersLocked()
	s.mu.Unlock()

	r.fanOut(members, "recording-status-update", recordingStatusPayload{
		SessionID: sid, RecordingID: recID, State: domain.RecordingProcessing,
	})

	r.finalizeRecording(ctx, s, rec)

	s.mu.Lock()
	meta := rec.meta
	members = s.membersLocked()
	s.mu.Unlock()
	r.fanOut(members, "recording-status-update", recordingStatusPayload{
		SessionID: sid, RecordingID: recID, State: meta.State,
	})
	return meta, nil
}

// finalizeRecording stops the pipeline and uploads the artifact. It is
// shared by the explicit stop path and the implicit force-stop when a
// session ends. Safe to call with a nil recording.
func (r *Registry) finalizeRecording(ctx context.Context, s *session, rec *recording) {
	if rec == nil {
		return
	}
	s.mu.Lock()
	if rec.meta.State == domain.RecordingActive || rec.meta.State == domain.RecordingPending {
		rec.meta.State = domain.RecordingProcessing
		rec.meta.StoppedAt = time.Now()
	}
	if rec.meta.State != domain.RecordingProcessing {
		s.mu.Unlock()
		return
	}
	handle := rec.handle
	meta := rec.meta
	s.mu.Unlock()

	fail := func(err error) {
		s.mu.Lock()
		rec.meta.State = domain.RecordingFailed
		rec.meta.Error = err.Error()
		s.mu.Unlock()
		log.Error().Err(err).Str("module", "app.recording").
			Str("recording", string(meta.ID)).
			Msg("recording failed")
	}

	if handle == nil {
		fail(errNoCapture)
		return
	}
	res, err := handle.Stop(ctx)
	if err != nil {
		fail(err)
		return
	}
	art, err := r.store.UploadArtifact(ctx, res.LocalRef, core.ArtifactMetadata{
		SessionID:   meta.SessionID,
		RecordingID: meta.ID,
		Format:      meta.Format,
		Quality:     meta.Quality,
		Duration:    res.Duration,
	})
	if err != nil {
		fail(err)
		return
	}

	s.mu.Lock()
	rec.meta.State = domain.RecordingCompleted
	rec.meta.StorageURL = art.URL
	rec.meta.Duration = res.Duration
	rec.meta.FileSize = res.FileSize
	s.mu.Unlock()
	log.Info().Str("module", "app.recording").
		Str("recording", string(meta.ID)).
		Str("url", art.URL).
		Msg("recording completed")
}

var errNoCapture = core.Errorf(core.KindEngineFailure, "capture pipeline never started")

// RecordingStatus is a pure read of one recording's state.
func (r *Registry) RecordingStatus(recID domain.RecordingID) (domain.Recording, error) {
	r.mu.RLock()
	sid, ok := r.recordings[recID]
	s := r.sessions[sid]
	r.mu.RUnlock()
	if !ok || s == nil {
		return domain.Recording{}, core.Errorf(core.KindNotFound, "recording %s not found", recID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || s.rec.meta.ID != recID {
		return domain.Recording{}, core.Errorf(core.KindNotFound, "recording %s not found", recID)
	}
	return s.rec.meta, nil
}

// ActiveRecording reports the session's non-terminal recording, if any.
func (r *Registry) ActiveRecording(sid domain.SessionID) (domain.Recording, bool) {
	s, err := r.get(sid)
	if err != nil {
		return domain.Recording{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || s.rec.meta.State.Terminal() {
		return domain.Recording{}, false
	}
	return s.rec.meta, true
}
