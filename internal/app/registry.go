package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// closer is satisfied by every engine handle type.
type closer interface{ Close() }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, core.Notification) {}

type contextKey struct {
	Type domain.ContextType
	ID   string
}

// participant is a member of a live session together with its media
// resources. pending counts in-flight engine calls for this
// participant; leaving defers teardown of whatever those calls return.
type participant struct {
	id        domain.ParticipantID
	role      domain.Role
	transport core.Transport
	pending   int
	leaving   bool
	joinedAt  time.Time
}

type producerEntry struct {
	handle core.Producer
	owner  domain.ParticipantID
	kind   domain.MediaKind
	source domain.TrackSource
}

type consumerEntry struct {
	handle     core.Consumer
	owner      domain.ParticipantID
	producerID string
}

// session is one registry entry: the ownership graph of a live call.
// All mutations go through mu; engine calls never happen under it.
type session struct {
	mu sync.Mutex

	meta   domain.Session
	ended  bool
	router core.Router

	participants map[domain.ParticipantID]*participant
	producers    map[string]*producerEntry
	consumers    map[string]*consumerEntry

	waiting  []waitingEntry
	rooms    []*breakoutRoom
	rec      *recording
	chat     *chatLog
	presence map[domain.ParticipantID]domain.Presence
}

// Registry is the authoritative in-memory map from session id to its
// resource graph. It is the single writer of that graph; sessions are
// serialized individually and proceed in parallel with each other.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[domain.SessionID]*session
	byContext  map[contextKey]domain.SessionID
	recordings map[domain.RecordingID]domain.SessionID

	engine   core.MediaEngine
	identity core.Identity
	events   core.EventSink
	notifier core.Notifier
	pipeline core.CapturePipeline
	store    core.ArtifactStore
	archiver core.ChatArchiver
}

// Deps carries the registry's collaborators; Archiver may be nil when
// chat retention is off everywhere.
type Deps struct {
	Engine   core.MediaEngine
	Identity core.Identity
	Events   core.EventSink
	Notifier core.Notifier
	Pipeline core.CapturePipeline
	Store    core.ArtifactStore
	Archiver core.ChatArchiver
}

func NewRegistry(d Deps) *Registry {
	r := &Registry{
		sessions:   make(map[domain.SessionID]*session),
		byContext:  make(map[contextKey]domain.SessionID),
		recordings: make(map[domain.RecordingID]domain.SessionID),
		engine:     d.Engine,
		identity:   d.Identity,
		events:     d.Events,
		notifier:   d.Notifier,
		pipeline:   d.Pipeline,
		store:      d.Store,
		archiver:   d.Archiver,
	}
	if r.events == nil {
		r.events = core.NopSink{}
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	d.Engine.OnFatal(r.onEngineFatal)
	return r
}

type CreateParams struct {
	ContextType domain.ContextType
	ContextID   string
	StartedBy   domain.ParticipantID
	Options     domain.SessionOptions
	// ReuseActive asks for "active session for context" semantics:
	// return the existing live session for (ContextType, ContextID)
	// instead of allocating a new one.
	ReuseActive bool
}

// CreateSession allocates a router and inserts a Pending session.
func (r *Registry) CreateSession(ctx context.Context, p CreateParams) (SessionView, error) {
	key := contextKey{Type: p.ContextType, ID: p.ContextID}
	if p.ReuseActive {
		if v, ok := r.activeForContext(key); ok {
			return v, nil
		}
	}
	if err := p.Options.Validate(); err != nil {
		return SessionView{}, core.Wrap(core.KindInvalidState, err, "invalid session options")
	}

	router, err := r.engine.CreateRouter(ctx, codecsFor(p.Options))
	if err != nil {
		return SessionView{}, asEngineErr(err, "create router")
	}

	s := &session{
		meta: domain.Session{
			ID:          domain.SessionID(uuid.NewString()),
			ContextType: p.ContextType,
			ContextID:   p.ContextID,
			Status:      domain.SessionPending,
			StartedBy:   p.StartedBy,
			CreatedAt:   time.Now(),
			Options:     p.Options,
		},
		router:       router,
		participants: make(map[domain.ParticipantID]*participant),
		producers:    make(map[string]*producerEntry),
		consumers:    make(map[string]*consumerEntry),
		chat:         newChatLog(p.Options.ChatRingSize),
		presence:     make(map[domain.ParticipantID]domain.Presence),
	}

	r.mu.Lock()
	if p.ReuseActive {
		if sid, ok := r.byContext[key]; ok {
			existing := r.sessions[sid]
			r.mu.Unlock()
			router.Close()
			return r.viewOf(existing), nil
		}
	}
	r.sessions[s.meta.ID] = s
	r.byContext[key] = s.meta.ID
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").
		Str("session", string(s.meta.ID)).
		Str("context_type", string(p.ContextType)).
		Str("context_id", p.ContextID).
		Msg("session created")
	return r.viewOf(s), nil
}

func (r *Registry) activeForContext(key contextKey) (SessionView, bool) {
	r.mu.RLock()
	sid, ok := r.byContext[key]
	s := r.sessions[sid]
	r.mu.RUnlock()
	if !ok || s == nil {
		return SessionView{}, false
	}
	return r.viewOf(s), true
}

// get resolves a live session entry.
func (r *Registry) get(sid domain.SessionID) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "session %s not found", sid)
	}
	return s, nil
}

// Session returns a read-only view of a live session.
func (r *Registry) Session(sid domain.SessionID) (SessionView, error) {
	s, err := r.get(sid)
	if err != nil {
		return SessionView{}, err
	}
	return r.viewOf(s), nil
}

// removeSession tears the entry out of every index. The resource graph
// must already be closed by the caller.
func (r *Registry) removeSession(s *session) {
	r.mu.Lock()
	delete(r.sessions, s.meta.ID)
	key := contextKey{Type: s.meta.ContextType, ID: s.meta.ContextID}
	if r.byContext[key] == s.meta.ID {
		delete(r.byContext, key)
	}
	for rid, sid := range r.recordings {
		if sid == s.meta.ID {
			delete(r.recordings, rid)
		}
	}
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("session", string(s.meta.ID)).Msg("session removed")
}

// fanOut delivers a server-initiated event to each recipient,
// deliver-then-forget.
func (r *Registry) fanOut(members []domain.ParticipantID, event string, payload any) {
	for _, id := range members {
		r.events.Send(id, event, payload)
	}
}

// othersLocked snapshots the participant set minus one id.
func (s *session) othersLocked(except domain.ParticipantID) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(s.participants))
	for id := range s.participants {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func (s *session) membersLocked() []domain.ParticipantID {
	return s.othersLocked("")
}

// onEngineFatal force-ends every session bound to the dead engine
// instance. The worker is not resumable mid-call: no respawn, no
// in-place recovery.
func (r *Registry) onEngineFatal(cause error) {
	r.mu.Lock()
	doomed := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		doomed = append(doomed, s)
	}
	r.sessions = make(map[domain.SessionID]*session)
	r.byContext = make(map[contextKey]domain.SessionID)
	r.recordings = make(map[domain.RecordingID]domain.SessionID)
	r.mu.Unlock()

	log.Error().Err(cause).Str("module", "app.registry").
		Int("sessions", len(doomed)).
		Msg("engine died, force-ending all bound sessions")

	for _, s := range doomed {
		s.mu.Lock()
		members := s.membersLocked()
		rec, closers := s.endLocked()
		var capture core.CaptureHandle
		if rec != nil {
			rec.meta.State = domain.RecordingFailed
			rec.meta.Error = "engine died: " + errString(cause)
			rec.meta.StoppedAt = time.Now()
			capture = rec.handle
		}
		s.mu.Unlock()

		r.fanOut(members, "session-ended", endedPayload{
			SessionID: s.meta.ID,
			Reason:    "engine-failure",
		})
		closeAll(closers)
		if capture != nil {
			if _, err := capture.Stop(context.Background()); err != nil {
				log.Error().Err(err).Str("module", "app.registry").
					Str("recording", string(rec.meta.ID)).
					Msg("stop capture after engine failure")
			}
		}
	}
}

type endedPayload struct {
	SessionID domain.SessionID `json:"sessionId"`
	Reason    string           `json:"reason"`
}

func closeAll(cs []closer) {
	for _, c := range cs {
		c.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// asEngineErr keeps an already-typed error and wraps anything else as
// an engine failure.
func asEngineErr(err error, msg string) error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	return core.Wrap(core.KindEngineFailure, err, msg)
}

// codecsFor maps session codec preferences onto router capabilities.
func codecsFor(o domain.SessionOptions) []core.CodecCapability {
	return []core.CodecCapability{
		{Kind: domain.KindVideo, MimeType: "video/" + o.VideoCodec, ClockRate: 90000},
		{Kind: domain.KindAudio, MimeType: "audio/" + o.AudioCodec, ClockRate: 48000, Channels: 2},
	}
}
