package engine

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// Transport wraps one participant's PeerConnection. Inbound tracks are
// claimed by producers in arrival order per kind; outbound tracks are
// static RTP tracks fed by the producer relays.
type Transport struct {
	id     string
	pid    domain.ParticipantID
	router *Router
	engine *Engine
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	unclaimed map[domain.MediaKind][]*Producer
	consumers map[string]*Consumer
	onICE     func(webrtc.ICECandidateInit)

	closeOnce sync.Once
}

func newTransport(e *Engine, r *Router, pc *webrtc.PeerConnection, pid domain.ParticipantID) *Transport {
	t := &Transport{
		id:        uuid.NewString(),
		pid:       pid,
		router:    r,
		engine:    e,
		pc:        pc,
		unclaimed: make(map[domain.MediaKind][]*Producer),
		consumers: make(map[string]*Consumer),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "engine").
			Str("transport", t.id).
			Str("ice_state", s.String()).
			Msg("ICE state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.mu.Lock()
		fn := t.onICE
		t.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().Str("module", "engine").
			Str("transport", t.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		t.bindTrack(track)
	})
	return t
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		TransportID: t.id,
		ICEServers:  t.engine.cfg.ICEServers,
	}
}

// OnICECandidate routes trickle candidates back to the signaling layer.
func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

// Negotiate applies a remote offer and returns the complete answer,
// waiting for gathering so the answer carries all host candidates.
func (t *Transport) Negotiate(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, core.Wrap(core.KindEngineFailure, err, "set remote description")
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, core.Wrap(core.KindEngineFailure, err, "create answer")
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, core.Wrap(core.KindEngineFailure, err, "set local description")
	}
	<-gatherComplete
	return t.pc.LocalDescription(), nil
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	if err := t.pc.AddICECandidate(ci); err != nil {
		return core.Wrap(core.KindEngineFailure, err, "add ice candidate")
	}
	return nil
}

// produceParams is the recognized shape of the opaque RTP parameters a
// producing client sends along.
type produceParams struct {
	TrackID  string `json:"trackId"`
	StreamID string `json:"streamId"`
}

func (t *Transport) produce(kind domain.MediaKind, rtp core.RTPParameters, source domain.TrackSource) (*Producer, error) {
	codec, ok := t.router.codecFor(kind)
	if !ok && kind != domain.KindData {
		return nil, core.Errorf(core.KindCapabilityMismatch, "router has no %s codec", kind)
	}
	var params produceParams
	if len(rtp) > 0 {
		if err := json.Unmarshal(rtp, &params); err != nil {
			return nil, core.Errorf(core.KindInvalidState, "malformed rtp parameters: %v", err)
		}
	}

	p := newProducer(t, kind, source, codec, params)
	t.mu.Lock()
	t.unclaimed[kind] = append(t.unclaimed[kind], p)
	t.mu.Unlock()
	return p, nil
}

// bindTrack hands an arriving remote track to the oldest producer of
// the same kind still waiting for one.
func (t *Transport) bindTrack(track *webrtc.TrackRemote) {
	kind := domain.KindVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.KindAudio
	}
	t.mu.Lock()
	queue := t.unclaimed[kind]
	var p *Producer
	for len(queue) > 0 {
		p, queue = queue[0], queue[1:]
		if !p.isClosed() {
			break
		}
		p = nil
	}
	t.unclaimed[kind] = queue
	t.mu.Unlock()

	if p == nil {
		log.Warn().Str("module", "engine").
			Str("transport", t.id).
			Str("kind", string(kind)).
			Msg("remote track with no waiting producer, dropping")
		return
	}
	p.attach(track)
}

func (t *Transport) consume(p *Producer) (*Consumer, error) {
	out, err := webrtc.NewTrackLocalStaticRTP(p.codec, p.id, string(p.owner().pid))
	if err != nil {
		return nil, core.Wrap(core.KindEngineFailure, err, "new local track")
	}
	sender, err := t.pc.AddTrack(out)
	if err != nil {
		return nil, core.Wrap(core.KindEngineFailure, err, "add track")
	}

	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		sender:    sender,
		out:       newOutTrack(out),
	}
	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	p.addOut(c.id, c.out)
	return c, nil
}

func (t *Transport) dropConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		for _, queue := range t.unclaimed {
			for _, p := range queue {
				p.markClosed()
			}
		}
		t.unclaimed = make(map[domain.MediaKind][]*Producer)
		cs := make([]*Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			cs = append(cs, c)
		}
		t.consumers = make(map[string]*Consumer)
		t.mu.Unlock()

		for _, c := range cs {
			c.Close()
		}
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "engine").Str("transport", t.id).Msg("close error")
		}
		t.router.dropTransport(t.id)
		t.engine.dropTransport(t.id)
		log.Debug().Str("module", "engine").Str("transport", t.id).Msg("transport closed")
	})
}

// Consumer is one subscription: a local static track fed by a relay.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	out       *outTrack

	closeOnce sync.Once
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.out.markDelete()
		c.producer.dropOut(c.id)
		c.transport.dropConsumer(c.id)
		_ = c.transport.pc.RemoveTrack(c.sender)
	})
}
