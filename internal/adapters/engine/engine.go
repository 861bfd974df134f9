package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// Config tunes the in-process SFU engine.
type Config struct {
	PortMin     uint16   `mapstructure:"port_min"`
	PortMax     uint16   `mapstructure:"port_max"`
	AnnouncedIP string   `mapstructure:"announced_ip"`
	ICEServers  []string `mapstructure:"ice_servers"`
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// Engine is a pion-backed core.MediaEngine. Routers are isolated codec
// domains; transports are PeerConnections built from the router's API.
type Engine struct {
	cfg Config

	mu         sync.RWMutex
	transports map[string]*Transport
	closed     bool

	fatalOnce sync.Once
	onFatal   func(error)
}

func New(cfg Config) *Engine {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultConfig().ICEServers
	}
	return &Engine{
		cfg:        cfg,
		transports: make(map[string]*Transport),
	}
}

func (e *Engine) OnFatal(fn func(error)) {
	e.mu.Lock()
	e.onFatal = fn
	e.mu.Unlock()
}

// reportFatal fires the fatal hook once; the engine is unusable after.
func (e *Engine) reportFatal(err error) {
	e.fatalOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		fn := e.onFatal
		e.mu.Unlock()
		log.Error().Err(err).Str("module", "engine").Msg("engine fatal")
		if fn != nil {
			fn(err)
		}
	})
}

func (e *Engine) CreateRouter(_ context.Context, codecs []core.CodecCapability) (core.Router, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, core.Errorf(core.KindEngineFailure, "engine is closed")
	}

	me := &webrtc.MediaEngine{}
	for _, c := range codecs {
		params, kind, err := codecParams(c)
		if err != nil {
			return nil, err
		}
		if err := me.RegisterCodec(params, kind); err != nil {
			return nil, core.Wrap(core.KindEngineFailure, err, "register codec")
		}
	}

	se := webrtc.SettingEngine{}
	if e.cfg.PortMin > 0 && e.cfg.PortMax >= e.cfg.PortMin {
		if err := se.SetEphemeralUDPPortRange(e.cfg.PortMin, e.cfg.PortMax); err != nil {
			return nil, core.Wrap(core.KindEngineFailure, err, "set udp port range")
		}
	}
	if e.cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{e.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	r := &Router{
		id:     uuid.NewString(),
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		caps:   core.Capabilities{Codecs: codecs},
		engine: e,
	}
	log.Debug().Str("module", "engine").Str("router", r.id).Msg("router created")
	return r, nil
}

func (e *Engine) CreateTransport(_ context.Context, router core.Router, pid domain.ParticipantID) (core.Transport, error) {
	r, ok := router.(*Router)
	if !ok {
		return nil, core.Errorf(core.KindEngineFailure, "router is not managed by this engine")
	}
	if r.isClosed() {
		return nil, core.Errorf(core.KindInvalidState, "router %s is closed", r.id)
	}

	pc, err := r.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: e.cfg.ICEServers}},
	})
	if err != nil {
		return nil, core.Wrap(core.KindEngineFailure, err, "new peer connection")
	}

	t := newTransport(e, r, pc, pid)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		t.Close()
		return nil, core.Errorf(core.KindEngineFailure, "engine is closed")
	}
	e.transports[t.id] = t
	e.mu.Unlock()
	r.addTransport(t)
	return t, nil
}

func (e *Engine) Produce(_ context.Context, transport core.Transport, kind domain.MediaKind, rtp core.RTPParameters, source domain.TrackSource) (core.Producer, error) {
	t, ok := transport.(*Transport)
	if !ok {
		return nil, core.Errorf(core.KindEngineFailure, "transport is not managed by this engine")
	}
	return t.produce(kind, rtp, source)
}

func (e *Engine) Consume(_ context.Context, transport core.Transport, producer core.Producer, receiver core.Capabilities) (core.Consumer, error) {
	t, ok := transport.(*Transport)
	if !ok {
		return nil, core.Errorf(core.KindEngineFailure, "transport is not managed by this engine")
	}
	p, ok := producer.(*Producer)
	if !ok {
		return nil, core.Errorf(core.KindEngineFailure, "producer is not managed by this engine")
	}
	if !receiver.CanConsume(p.kind) {
		return nil, core.Errorf(core.KindCapabilityMismatch, "receiver cannot consume %s", p.kind)
	}
	return t.consume(p)
}

// Transport resolves a transport by id for the signaling relay.
func (e *Engine) Transport(id string) (*Transport, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.transports[id]
	return t, ok
}

func (e *Engine) dropTransport(id string) {
	e.mu.Lock()
	delete(e.transports, id)
	e.mu.Unlock()
}

func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ts := make([]*Transport, 0, len(e.transports))
	for _, t := range e.transports {
		ts = append(ts, t)
	}
	e.transports = make(map[string]*Transport)
	e.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
}

// codecParams maps a capability onto pion's registration parameters.
// Payload types follow the conventional static assignments.
func codecParams(c core.CodecCapability) (webrtc.RTPCodecParameters, webrtc.RTPCodecType, error) {
	var kind webrtc.RTPCodecType
	switch c.Kind {
	case domain.KindAudio:
		kind = webrtc.RTPCodecTypeAudio
	case domain.KindVideo:
		kind = webrtc.RTPCodecTypeVideo
	default:
		return webrtc.RTPCodecParameters{}, 0, core.Errorf(core.KindCapabilityMismatch, "codec kind %q has no RTP mapping", c.Kind)
	}

	var pt webrtc.PayloadType
	switch strings.ToLower(c.MimeType) {
	case "video/vp8":
		pt = 96
	case "video/vp9":
		pt = 98
	case "video/h264":
		pt = 102
	case "audio/opus":
		pt = 111
	default:
		return webrtc.RTPCodecParameters{}, 0, core.Errorf(core.KindCapabilityMismatch, "unsupported codec %q", c.MimeType)
	}

	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  normalizeMime(c.MimeType),
			ClockRate: c.ClockRate,
			Channels:  c.Channels,
		},
		PayloadType: pt,
	}, kind, nil
}

func normalizeMime(m string) string {
	switch strings.ToLower(m) {
	case "video/vp8":
		return webrtc.MimeTypeVP8
	case "video/vp9":
		return webrtc.MimeTypeVP9
	case "video/h264":
		return webrtc.MimeTypeH264
	case "audio/opus":
		return webrtc.MimeTypeOpus
	}
	return m
}
