package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// breakoutRoom is a nested sub-session with its own resource graph.
// It never shares a router or transport with the parent session; that
// isolation is what keeps media from crossing rooms.
type breakoutRoom struct {
	meta          domain.BreakoutRoom
	router        core.Router
	hostTransport core.Transport
	transports    map[domain.ParticipantID]core.Transport
	participants  map[domain.ParticipantID]struct{}
}

// RoomRequest asks for one breakout room.
type RoomRequest struct {
	Name   string               `json:"name"`
	HostID domain.ParticipantID `json:"hostId"`
}

// BreakoutRoomView is the caller-facing snapshot of one room.
type BreakoutRoomView struct {
	domain.BreakoutRoom
	Participants []domain.ParticipantID `json:"participants"`
}

// JoinRoomResult carries the room-scoped negotiation material.
type JoinRoomResult struct {
	TransportParams    core.TransportParams `json:"transportParams"`
	RouterCapabilities core.Capabilities    `json:"routerCapabilities"`
}

func (room *breakoutRoom) viewLocked() BreakoutRoomView {
	v := BreakoutRoomView{BreakoutRoom: room.meta}
	for id := range room.participants {
		v.Participants = append(v.Participants, id)
	}
	return v
}

// CreateRooms allocates one isolated router plus a host send transport
// per requested room; host only.
func (r *Registry) CreateRooms(ctx context.Context, sid domain.SessionID, caller domain.ParticipantID, reqs []RoomRequest) ([]BreakoutRoomView, error) {
	s, err := r.get(sid)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !s.meta.Options.BreakoutRooms {
		s.mu.Unlock()
		return nil, core.Errorf(core.KindFeatureDisabled, "breakout rooms are disabled for session %s", sid)
	}
	opts := s.meta.Options
	s.mu.Unlock()

	rooms := make([]*breakoutRoom, 0, len(reqs))
	rollback := func() {
		for _, room := range rooms {
			room.hostTransport.Close()
			room.router.Close()
		}
	}
	for _, req := range reqs {
		router, err := r.engine.CreateRouter(ctx, codecsFor(opts))
		if err != nil {
			rollback()
			return nil, asEngineErr(err, "create breakout router")
		}
		ht, err := r.engine.CreateTransport(ctx, router, req.HostID)
		if err != nil {
			router.Close()
			rollback()
			return nil, asEngineErr(err, "create breakout host transport")
		}
		rooms = append(rooms, &breakoutRoom{
			meta: domain.BreakoutRoom{
				ID:        domain.BreakoutRoomID(uuid.NewString()),
				Name:      req.Name,
				HostID:    req.HostID,
				StartTime: time.Now(),
			},
			router:        router,
			hostTransport: ht,
			transports:    make(map[domain.ParticipantID]core.Transport),
			participants:  make(map[domain.ParticipantID]struct{}),
		})
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		rollback()
		return nil, core.Errorf(core.KindNotFound, "session %s has ended", sid)
	}
	s.rooms = append(s.rooms, rooms...)
	views := make([]BreakoutRoomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, room.viewLocked())
	}
	members := s.membersLocked()
	s.mu.Unlock()

	r.fanOut(members, "breakout-rooms-created", views)
	log.Info().Str("module", "app.breakout").
		Str("session", string(sid)).
		Int("rooms", len(views)).
		Msg("breakout rooms created")
	return views, nil
}

// Rooms lists the session's breakout rooms.
func (r *Registry) Rooms(sid domain.SessionID) ([]BreakoutRoomView, error) {
	s, err := r.get(sid)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BreakoutRoomView, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room.viewLocked())
	}
	return out, nil
}

// JoinRoom provisions a room-scoped transport for a parent-session
// participant. A participant already in another room of the same
// parent is moved: removed there first, so membership stays exclusive.
func (r *Registry) JoinRoom(ctx context.Context, sid domain.SessionID, roomID domain.BreakoutRoomID, pid domain.ParticipantID) (JoinRoomResult, error) {
	s, err := r.get(sid)
	if err != nil {
		return JoinRoomResult{}, err
	}

	s.mu.Lock()
	p, member := s.participants[pid]
	if !member {
		s.mu.Unlock()
		return JoinRoomResult{}, core.Errorf(core.KindInvalidState, "participant %s is not in session %s", pid, sid)
	}
	room := s.roomLocked(roomID)
	if room == nil {
		s.mu.Unlock()
		return JoinRoomResult{}, core.Errorf(core.KindNotFound, "breakout room %s not found", roomID)
	}
	var stale []closer
	for _, other := range s.rooms {
		if other == room {
			continue
		}
		if t, ok := other.transports[pid]; ok {
			delete(other.transports, pid)
			stale = append(stale, t)
		}
		delete(other.participants, pid)
	}
	p.pending++
	router := room.router
	s.mu.Unlock()

	closeAll(stale)
	tr, err := r.engine.CreateTransport(ctx, router, pid)

	s.mu.Lock()
	p.pending--
	if err != nil {
		s.mu.Unlock()
		return JoinRoomResult{}, asEngineErr(err, "create breakout transport")
	}
	if p.leaving || s.ended || s.roomLocked(roomID) == nil {
		s.mu.Unlock()
		tr.Close()
		return JoinRoomResult{}, core.Errorf(core.KindInvalidState, "breakout room %s is gone", roomID)
	}
	if old, ok := room.transports[pid]; ok {
		defer old.Close()
	}
	room.transports[pid] = tr
	room.participants[pid] = struct{}{}
	caps := router.Capabilities()
	params := tr.Params()
	s.mu.Unlock()

	log.Info().Str("module", "app.breakout").
		Str("session", string(sid)).
		Str("room", string(roomID)).
		Str("participant", string(pid)).
		Msg("joined breakout room")
	return JoinRoomResult{TransportParams: params, RouterCapabilities: caps}, nil
}

// EndRooms closes every room's resource graph for the session; host
// only. Calling it with no rooms is a no-op, and the parent session's
// own router and transports are never touched.
func (r *Registry) EndRooms(sid domain.SessionID, caller domain.ParticipantID) error {
	s, err := r.get(sid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.requireHostLocked(caller); err != nil {
		s.mu.Unlock()
		return err
	}
	cs := s.closeRoomsLocked()
	members := s.membersLocked()
	s.mu.Unlock()

	closeAll(cs)
	if len(cs) > 0 {
		r.fanOut(members, "breakout-rooms-ended", waitingPayload{SessionID: sid})
		log.Info().Str("module", "app.breakout").Str("session", string(sid)).Msg("breakout rooms ended")
	}
	return nil
}

func (s *session) roomLocked(roomID domain.BreakoutRoomID) *breakoutRoom {
	for _, room := range s.rooms {
		if room.meta.ID == roomID {
			return room
		}
	}
	return nil
}

// closeRoomsLocked collects every room resource and clears the list.
func (s *session) closeRoomsLocked() []closer {
	var cs []closer
	now := time.Now()
	for _, room := range s.rooms {
		for pid, t := range room.transports {
			delete(room.transports, pid)
			cs = append(cs, t)
		}
		cs = append(cs, room.hostTransport, room.router)
		room.meta.EndTime = now
	}
	s.rooms = nil
	return cs
}
