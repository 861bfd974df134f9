package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

const (
	host  = domain.ParticipantID("therapist-1")
	alice = domain.ParticipantID("alice")
	bob   = domain.ParticipantID("bob")
)

func TestCreateSessionReuseActive(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	first, err := env.reg.CreateSession(ctx, CreateParams{
		ContextType: domain.ContextTherapy,
		ContextID:   "appointment-7",
		StartedBy:   host,
		Options:     domain.DefaultSessionOptions(),
		ReuseActive: true,
	})
	require.NoError(t, err)

	second, err := env.reg.CreateSession(ctx, CreateParams{
		ContextType: domain.ContextTherapy,
		ContextID:   "appointment-7",
		StartedBy:   host,
		Options:     domain.DefaultSessionOptions(),
		ReuseActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.engine.routers)

	// A different context gets its own session.
	third, err := env.reg.CreateSession(ctx, CreateParams{
		ContextType: domain.ContextChat,
		ContextID:   "appointment-7",
		StartedBy:   host,
		Options:     domain.DefaultSessionOptions(),
		ReuseActive: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateSessionRejectsBadOptions(t *testing.T) {
	env := newTestEnv()
	opts := domain.DefaultSessionOptions()
	opts.VideoCodec = "AV2"

	_, err := env.reg.CreateSession(context.Background(), CreateParams{
		ContextType: domain.ContextTherapy,
		ContextID:   "c",
		StartedBy:   host,
		Options:     opts,
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidState))
	assert.Equal(t, 0, env.engine.routers)
}

func TestJoinActivatesSession(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	assert.Equal(t, domain.SessionPending, view.Status)

	res, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	assert.False(t, res.AdmissionPending)
	assert.NotEmpty(t, res.TransportParams.TransportID)

	after, err := env.reg.Session(view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, after.Status)

	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, 1, env.sink.count(host, "peer-joined"))
}

func TestJoinDeniedByIdentity(t *testing.T) {
	env := newTestEnv()
	env.identity.denied[alice] = true
	view := env.createSession(t, domain.DefaultSessionOptions(), host)

	_, err := env.reg.Join(context.Background(), view.ID, alice, domain.RoleParticipant)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindUnauthorized))
}

func TestJoinFullSession(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	opts := domain.DefaultSessionOptions()
	opts.MaxParticipants = 2
	view := env.createSession(t, opts, host)

	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	_, err = env.reg.Join(ctx, view.ID, bob, domain.RoleParticipant)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidState))
}

func TestLastLeaveEndsSession(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)

	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	require.NoError(t, env.reg.Leave(ctx, view.ID, alice))
	assert.Equal(t, 1, env.sink.count(host, "peer-left"))

	require.NoError(t, env.reg.Leave(ctx, view.ID, host))
	_, err = env.reg.Session(view.ID)
	assert.True(t, core.IsKind(err, core.KindNotFound))

	// Double leave after teardown reports not found.
	err = env.reg.Leave(ctx, view.ID, host)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestProduceBeforeJoin(t *testing.T) {
	env := newTestEnv()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)

	_, err := env.reg.Produce(context.Background(), view.ID, alice, domain.KindAudio, nil, domain.SourceMic)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidState))
}

func TestProduceScreenShareDisabled(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	opts := domain.DefaultSessionOptions()
	opts.ScreenSharing = false
	view := env.createSession(t, opts, host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)

	_, err = env.reg.Produce(ctx, view.ID, host, domain.KindVideo, nil, domain.SourceScreen)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFeatureDisabled))
}

func TestConsumeOwnProducer(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)

	prod, err := env.reg.Produce(ctx, view.ID, host, domain.KindAudio, nil, domain.SourceMic)
	require.NoError(t, err)

	_, err = env.reg.Consume(ctx, view.ID, host, prod.ID, core.Capabilities{
		Codecs: []core.CodecCapability{{Kind: domain.KindAudio, MimeType: "audio/opus"}},
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidState))
}

func TestConsumeCapabilityMismatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	prod, err := env.reg.Produce(ctx, view.ID, host, domain.KindVideo, nil, domain.SourceCamera)
	require.NoError(t, err)

	audioOnly := core.Capabilities{Codecs: []core.CodecCapability{{Kind: domain.KindAudio, MimeType: "audio/opus"}}}
	_, err = env.reg.Consume(ctx, view.ID, alice, prod.ID, audioOnly)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCapabilityMismatch))
	assert.Equal(t, 0, env.engine.consumers)
}

func TestCloseProducerCascades(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	prod, err := env.reg.Produce(ctx, view.ID, host, domain.KindVideo, nil, domain.SourceCamera)
	require.NoError(t, err)
	videoCaps := core.Capabilities{Codecs: []core.CodecCapability{{Kind: domain.KindVideo, MimeType: "video/VP8"}}}
	_, err = env.reg.Consume(ctx, view.ID, alice, prod.ID, videoCaps)
	require.NoError(t, err)

	// Only the owner may close.
	err = env.reg.CloseProducer(ctx, view.ID, alice, prod.ID)
	assert.True(t, core.IsKind(err, core.KindUnauthorized))

	require.NoError(t, env.reg.CloseProducer(ctx, view.ID, host, prod.ID))
	stats, err := env.reg.Stats(view.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Producers)
	assert.Equal(t, 0, stats.Consumers)
	assert.Equal(t, 1, env.sink.count(alice, "producer-closed"))
}

func TestOwnerLeaveClosesPeerConsumers(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	prod, err := env.reg.Produce(ctx, view.ID, host, domain.KindVideo, nil, domain.SourceCamera)
	require.NoError(t, err)
	videoCaps := core.Capabilities{Codecs: []core.CodecCapability{{Kind: domain.KindVideo, MimeType: "video/VP8"}}}
	_, err = env.reg.Consume(ctx, view.ID, alice, prod.ID, videoCaps)
	require.NoError(t, err)
	cons := env.engine.lastConsumer

	// The producer's owner leaves: the dependent consumer closes with
	// it, and the remaining participant keeps their seat.
	require.NoError(t, env.reg.Leave(ctx, view.ID, host))
	assert.True(t, cons.isClosed())
	assert.True(t, env.engine.lastProducer.isClosed())

	members, err := env.reg.Participants(view.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, alice, members[0].ID)

	stats, err := env.reg.Stats(view.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Producers)
	assert.Equal(t, 0, stats.Consumers)
	assert.Equal(t, 1, env.sink.count(alice, "peer-left"))
}

func TestLeaveDuringProduceCompensates(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	// Alice leaves while her produce call is in flight; the handle the
	// engine returns must be closed, never committed.
	env.engine.onProduce = func() {
		env.engine.onProduce = nil
		require.NoError(t, env.reg.Leave(ctx, view.ID, alice))
	}
	_, err = env.reg.Produce(ctx, view.ID, alice, domain.KindAudio, nil, domain.SourceMic)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidState))

	stats, err := env.reg.Stats(view.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Producers)
}

func TestEndByHostOnly(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	err = env.reg.End(ctx, view.ID, alice)
	assert.True(t, core.IsKind(err, core.KindUnauthorized))

	require.NoError(t, env.reg.End(ctx, view.ID, host))
	assert.Equal(t, 1, env.sink.count(alice, "session-ended"))
	_, err = env.reg.Session(view.ID)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestDisconnectLeavesEverySession(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	a, err := env.reg.CreateSession(ctx, CreateParams{
		ContextType: domain.ContextTherapy, ContextID: "c1",
		StartedBy: host, Options: domain.DefaultSessionOptions(),
	})
	require.NoError(t, err)
	b, err := env.reg.CreateSession(ctx, CreateParams{
		ContextType: domain.ContextChat, ContextID: "c2",
		StartedBy: host, Options: domain.DefaultSessionOptions(),
	})
	require.NoError(t, err)

	for _, v := range []SessionView{a, b} {
		_, err = env.reg.Join(ctx, v.ID, host, domain.RoleHost)
		require.NoError(t, err)
		_, err = env.reg.Join(ctx, v.ID, alice, domain.RoleParticipant)
		require.NoError(t, err)
	}

	env.reg.Disconnect(ctx, alice)
	for _, v := range []SessionView{a, b} {
		members, err := env.reg.Participants(v.ID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, host, members[0].ID)
	}
}

func TestEngineFatalForceEndsAll(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	opts := domain.DefaultSessionOptions()
	opts.Recording = true
	view := env.createSession(t, opts, host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)

	env.engine.TriggerFatal(errors.New("worker exited"))

	assert.Equal(t, 1, env.sink.count(host, "session-ended"))
	_, err = env.reg.Session(view.ID)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.Equal(t, GlobalStats{}, env.reg.GlobalStats())
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	on := true
	_, err = env.reg.UpdateSettings(view.ID, alice, domain.OptionsPatch{Recording: &on})
	assert.True(t, core.IsKind(err, core.KindUnauthorized))

	opts, err := env.reg.UpdateSettings(view.ID, host, domain.OptionsPatch{Recording: &on})
	require.NoError(t, err)
	assert.True(t, opts.Recording)
	assert.Equal(t, 1, env.sink.count(alice, "session-settings-updated"))

	bad := "ultra"
	_, err = env.reg.UpdateSettings(view.ID, host, domain.OptionsPatch{RecordingQuality: &bad})
	assert.True(t, core.IsKind(err, core.KindInvalidState))
}
