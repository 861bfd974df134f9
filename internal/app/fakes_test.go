package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// fakeEngine is an in-memory core.MediaEngine with counters, scripted
// failures, and hooks that run while the engine call is in flight (the
// session lock is released there).
type fakeEngine struct {
	mu sync.Mutex

	routers    int
	transports int
	producers  int
	consumers  int

	failCreateRouter    error
	failCreateTransport error
	failProduce         error
	failConsume         error

	onCreateTransport func()
	onProduce         func()
	onConsume         func()

	lastProducer *fakeProducer
	lastConsumer *fakeConsumer

	fatal func(error)
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) OnFatal(fn func(error)) { e.fatal = fn }

func (e *fakeEngine) TriggerFatal(err error) { e.fatal(err) }

func (e *fakeEngine) Close() {}

func (e *fakeEngine) CreateRouter(_ context.Context, codecs []core.CodecCapability) (core.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCreateRouter != nil {
		return nil, e.failCreateRouter
	}
	e.routers++
	return &fakeRouter{id: fmt.Sprintf("router-%d", e.routers), caps: core.Capabilities{Codecs: codecs}}, nil
}

func (e *fakeEngine) CreateTransport(_ context.Context, _ core.Router, pid domain.ParticipantID) (core.Transport, error) {
	if hook := e.onCreateTransport; hook != nil {
		hook()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCreateTransport != nil {
		return nil, e.failCreateTransport
	}
	e.transports++
	return &fakeTransport{id: fmt.Sprintf("transport-%d", e.transports), pid: pid}, nil
}

func (e *fakeEngine) Produce(_ context.Context, _ core.Transport, kind domain.MediaKind, _ core.RTPParameters, source domain.TrackSource) (core.Producer, error) {
	if hook := e.onProduce; hook != nil {
		hook()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failProduce != nil {
		return nil, e.failProduce
	}
	e.producers++
	e.lastProducer = &fakeProducer{id: fmt.Sprintf("producer-%d", e.producers), kind: kind, source: source}
	return e.lastProducer, nil
}

func (e *fakeEngine) Consume(_ context.Context, _ core.Transport, producer core.Producer, _ core.Capabilities) (core.Consumer, error) {
	if hook := e.onConsume; hook != nil {
		hook()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failConsume != nil {
		return nil, e.failConsume
	}
	e.consumers++
	e.lastConsumer = &fakeConsumer{id: fmt.Sprintf("consumer-%d", e.consumers), producerID: producer.ID()}
	return e.lastConsumer, nil
}

type closedFlag struct {
	mu     sync.Mutex
	closed bool
}

func (c *closedFlag) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *closedFlag) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeRouter struct {
	id   string
	caps core.Capabilities
	closedFlag
}

func (r *fakeRouter) ID() string                      { return r.id }
func (r *fakeRouter) Capabilities() core.Capabilities { return r.caps }
func (r *fakeRouter) Close()                          { r.close() }

type fakeTransport struct {
	id  string
	pid domain.ParticipantID
	closedFlag
}

func (t *fakeTransport) ID() string { return t.id }
func (t *fakeTransport) Params() core.TransportParams {
	return core.TransportParams{TransportID: t.id}
}
func (t *fakeTransport) Close() { t.close() }

type fakeProducer struct {
	id     string
	kind   domain.MediaKind
	source domain.TrackSource
	closedFlag
}

func (p *fakeProducer) ID() string                 { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind     { return p.kind }
func (p *fakeProducer) Source() domain.TrackSource { return p.source }
func (p *fakeProducer) Close()                     { p.close() }

type fakeConsumer struct {
	id         string
	producerID string
	closedFlag
}

func (c *fakeConsumer) ID() string         { return c.id }
func (c *fakeConsumer) ProducerID() string { return c.producerID }
func (c *fakeConsumer) Close()             { c.close() }

// fakeSink records every delivered event.
type fakeSink struct {
	mu     sync.Mutex
	events []sunkEvent
}

type sunkEvent struct {
	to      domain.ParticipantID
	event   string
	payload any
}

func (s *fakeSink) Send(id domain.ParticipantID, event string, payload any) {
	s.mu.Lock()
	s.events = append(s.events, sunkEvent{to: id, event: event, payload: payload})
	s.mu.Unlock()
}

func (s *fakeSink) count(to domain.ParticipantID, event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.to == to && e.event == event {
			n++
		}
	}
	return n
}

type fakeIdentity struct {
	denied map[domain.ParticipantID]bool
}

func (f *fakeIdentity) ValidateParticipant(_ context.Context, id domain.ParticipantID) error {
	if f.denied[id] {
		return fmt.Errorf("identity rejected %s", id)
	}
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []core.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n core.Notification) {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
}

type fakePipeline struct {
	mu        sync.Mutex
	started   int
	failStart error
	handle    *fakeHandle

	// onStart runs while the session lock is released, before Start
	// returns.
	onStart func()
}

type fakeHandle struct {
	mu       sync.Mutex
	stopped  int
	result   core.CaptureResult
	failStop error
}

func (p *fakePipeline) Start(_ context.Context, _ core.CaptureJob) (core.CaptureHandle, error) {
	p.mu.Lock()
	if p.failStart != nil {
		p.mu.Unlock()
		return nil, p.failStart
	}
	p.started++
	if p.handle == nil {
		p.handle = &fakeHandle{result: core.CaptureResult{LocalRef: "/tmp/rec", Duration: time.Second, FileSize: 42}}
	}
	h, hook := p.handle, p.onStart
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return h, nil
}

func (h *fakeHandle) Stop(_ context.Context) (core.CaptureResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
	if h.failStop != nil {
		return core.CaptureResult{}, h.failStop
	}
	return h.result, nil
}

type fakeStore struct {
	mu       sync.Mutex
	uploads  int
	failWith error
}

func (f *fakeStore) UploadArtifact(_ context.Context, _ string, meta core.ArtifactMetadata) (core.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return core.Artifact{}, f.failWith
	}
	f.uploads++
	return core.Artifact{URL: "/recordings/" + string(meta.RecordingID), Key: string(meta.RecordingID)}, nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
}

func (f *fakeArchiver) Archive(_ context.Context, msg domain.ChatMessage) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return nil
}

type testEnv struct {
	reg      *Registry
	engine   *fakeEngine
	sink     *fakeSink
	identity *fakeIdentity
	notifier *fakeNotifier
	pipeline *fakePipeline
	store    *fakeStore
	archiver *fakeArchiver
}

func newTestEnv() *testEnv {
	env := &testEnv{
		engine:   newFakeEngine(),
		sink:     &fakeSink{},
		identity: &fakeIdentity{denied: map[domain.ParticipantID]bool{}},
		notifier: &fakeNotifier{},
		pipeline: &fakePipeline{},
		store:    &fakeStore{},
		archiver: &fakeArchiver{},
	}
	env.reg = NewRegistry(Deps{
		Engine:   env.engine,
		Identity: env.identity,
		Events:   env.sink,
		Notifier: env.notifier,
		Pipeline: env.pipeline,
		Store:    env.store,
		Archiver: env.archiver,
	})
	return env
}

func (env *testEnv) createSession(t *testing.T, opts domain.SessionOptions, host domain.ParticipantID) SessionView {
	return env.createSessionWithContext(t, opts, host, "ctx-"+t.Name())
}

func (env *testEnv) createSessionWithContext(t *testing.T, opts domain.SessionOptions, host domain.ParticipantID, contextID string) SessionView {
	t.Helper()
	view, err := env.reg.CreateSession(context.Background(), CreateParams{
		ContextType: domain.ContextTherapy,
		ContextID:   contextID,
		StartedBy:   host,
		Options:     opts,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return view
}
