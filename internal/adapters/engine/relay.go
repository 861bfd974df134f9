package engine

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/domain"
)

type trackState int32

const (
	trackStateOk trackState = iota
	trackStatePaused
	trackStateDelete
)

// outTrack is one outgoing leg of a producer's fan-out.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() trackState { return trackState(ot.state.Load()) }
func (ot *outTrack) markDelete()          { ot.state.Store(int32(trackStateDelete)) }
func (ot *outTrack) markPaused()          { ot.state.Store(int32(trackStatePaused)) }
func (ot *outTrack) markOk()              { ot.state.Store(int32(trackStateOk)) }

// Producer is one inbound track plus the relay fanning its RTP out to
// every consumer. The remote track attaches when the client's offer
// lands; consumers registered before that simply receive nothing yet.
type Producer struct {
	id        string
	kind      domain.MediaKind
	source    domain.TrackSource
	codec     webrtc.RTPCodecCapability
	transport *Transport

	mu     sync.RWMutex
	remote *webrtc.TrackRemote
	outs   map[string]*outTrack
	closed bool
	done   chan struct{}
}

func newProducer(t *Transport, kind domain.MediaKind, source domain.TrackSource, codec webrtc.RTPCodecCapability, params produceParams) *Producer {
	id := params.TrackID
	if id == "" {
		id = uuid.NewString()
	}
	return &Producer{
		id:        id,
		kind:      kind,
		source:    source,
		codec:     codec,
		transport: t,
		outs:      make(map[string]*outTrack),
		done:      make(chan struct{}),
	}
}

func (p *Producer) ID() string                 { return p.id }
func (p *Producer) Kind() domain.MediaKind     { return p.kind }
func (p *Producer) Source() domain.TrackSource { return p.source }

func (p *Producer) owner() *Transport { return p.transport }

func (p *Producer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Producer) addOut(id string, ot *outTrack) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ot.markDelete()
		return
	}
	p.outs[id] = ot
	p.mu.Unlock()
}

func (p *Producer) dropOut(id string) {
	p.mu.Lock()
	delete(p.outs, id)
	p.mu.Unlock()
}

// attach binds the remote track and starts the relay loop.
func (p *Producer) attach(track *webrtc.TrackRemote) {
	p.mu.Lock()
	if p.closed || p.remote != nil {
		p.mu.Unlock()
		return
	}
	p.remote = track
	p.mu.Unlock()
	go p.loop(track)
}

// loop reads RTP from the source track and forwards to every live out
// track: snapshot under read lock, write outside it, sweep dead legs after.
func (p *Producer) loop(track *webrtc.TrackRemote) {
	logger := log.With().Str("module", "engine").Str("producer", p.id).Logger()
	for {
		select {
		case <-p.done:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay source ended")
			return
		}
		p.forward(pkt, &logger)
	}
}

func (p *Producer) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	p.mu.RLock()
	snapshot := make(map[string]*outTrack, len(p.outs))
	for id, ot := range p.outs {
		snapshot[id] = ot
	}
	p.mu.RUnlock()

	var dirty []string
	for id, ot := range snapshot {
		switch ot.getState() {
		case trackStateDelete:
			dirty = append(dirty, id)
		case trackStatePaused:
		case trackStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", id).Msg("relay write error")
				ot.markDelete()
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) > 0 {
		p.mu.Lock()
		for _, id := range dirty {
			delete(p.outs, id)
		}
		p.mu.Unlock()
	}
}

func (p *Producer) markClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ot := range p.outs {
		ot.markDelete()
	}
	p.outs = make(map[string]*outTrack)
	close(p.done)
	p.mu.Unlock()
}

func (p *Producer) Close() {
	p.markClosed()
}
