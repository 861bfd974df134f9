package engine

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// Router is one isolated media domain: its own codec set, its own API
// instance, its own transports. Closing it closes everything under it.
type Router struct {
	id     string
	api    *webrtc.API
	caps   core.Capabilities
	engine *Engine

	mu         sync.Mutex
	transports map[string]*Transport
	closed     bool

	closeOnce sync.Once
}

func (r *Router) ID() string { return r.id }

func (r *Router) Capabilities() core.Capabilities { return r.caps }

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) addTransport(t *Transport) {
	r.mu.Lock()
	if r.transports == nil {
		r.transports = make(map[string]*Transport)
	}
	r.transports[t.id] = t
	r.mu.Unlock()
}

func (r *Router) dropTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		ts := make([]*Transport, 0, len(r.transports))
		for _, t := range r.transports {
			ts = append(ts, t)
		}
		r.transports = nil
		r.mu.Unlock()
		for _, t := range ts {
			t.Close()
		}
		log.Debug().Str("module", "engine").Str("router", r.id).Msg("router closed")
	})
}

// codecFor picks the registered capability matching a media kind.
func (r *Router) codecFor(kind domain.MediaKind) (webrtc.RTPCodecCapability, bool) {
	for _, c := range r.caps.Codecs {
		if c.Kind == kind {
			return webrtc.RTPCodecCapability{
				MimeType:  normalizeMime(c.MimeType),
				ClockRate: c.ClockRate,
				Channels:  c.Channels,
			}, true
		}
	}
	return webrtc.RTPCodecCapability{}, false
}
