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

func recordingSession(t *testing.T, env *testEnv) SessionView {
	t.Helper()
	ctx := context.Background()
	opts := domain.DefaultSessionOptions()
	opts.Recording = true
	view := env.createSession(t, opts, host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)
	return view
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	_, err := env.reg.Produce(ctx, view.ID, host, domain.KindAudio, nil, domain.SourceMic)
	require.NoError(t, err)
	_, err = env.reg.Produce(ctx, view.ID, alice, domain.KindVideo, nil, domain.SourceCamera)
	require.NoError(t, err)

	rec, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingActive, rec.State)
	assert.Len(t, rec.Streams, 2)
	assert.Equal(t, 1, env.pipeline.started)
	assert.Equal(t, 1, env.sink.count(alice, "recording-status-update"))

	active, ok := env.reg.ActiveRecording(view.ID)
	require.True(t, ok)
	assert.Equal(t, rec.ID, active.ID)

	done, err := env.reg.StopRecording(ctx, rec.ID, host)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingCompleted, done.State)
	assert.NotEmpty(t, done.StorageURL)
	assert.Equal(t, 1, env.pipeline.handle.stopped)
	assert.Equal(t, 1, env.store.uploads)

	_, ok = env.reg.ActiveRecording(view.ID)
	assert.False(t, ok)

	got, err := env.reg.RecordingStatus(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingCompleted, got.State)
}

func TestRecordingStreamSelector(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	_, err := env.reg.Produce(ctx, view.ID, host, domain.KindAudio, nil, domain.SourceMic)
	require.NoError(t, err)
	_, err = env.reg.Produce(ctx, view.ID, alice, domain.KindVideo, nil, domain.SourceCamera)
	require.NoError(t, err)

	rec, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{
		Kinds: []domain.MediaKind{domain.KindAudio},
	})
	require.NoError(t, err)
	require.Len(t, rec.Streams, 1)
	assert.Equal(t, domain.KindAudio, rec.Streams[0].Kind)
}

func TestRecordingRequiresFeature(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := env.createSession(t, domain.DefaultSessionOptions(), host)
	_, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)

	_, err = env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	assert.True(t, core.IsKind(err, core.KindFeatureDisabled))
}

func TestRecordingHostOnly(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	_, err := env.reg.StartRecording(ctx, view.ID, alice, StreamSelector{})
	assert.True(t, core.IsKind(err, core.KindUnauthorized))

	rec, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)
	_, err = env.reg.StopRecording(ctx, rec.ID, alice)
	assert.True(t, core.IsKind(err, core.KindUnauthorized))
}

func TestRecordingSingleActive(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	first, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)

	_, err = env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	assert.True(t, core.IsKind(err, core.KindInvalidState))

	_, err = env.reg.StopRecording(ctx, first.ID, host)
	require.NoError(t, err)

	// A terminal recording no longer blocks a new one.
	_, err = env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)
}

func TestRecordingStopFailureRetainsError(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	rec, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)
	env.pipeline.handle.failStop = errors.New("encoder crashed")

	done, err := env.reg.StopRecording(ctx, rec.ID, host)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingFailed, done.State)
	assert.Contains(t, done.Error, "encoder crashed")
	assert.Equal(t, 0, env.store.uploads)

	got, err := env.reg.RecordingStatus(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingFailed, got.State)
}

func TestRecordingUploadFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	rec, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)
	env.store.failWith = errors.New("bucket unavailable")

	done, err := env.reg.StopRecording(ctx, rec.ID, host)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingFailed, done.State)
	assert.Contains(t, done.Error, "bucket unavailable")
}

func TestRecordingForceStopOnSessionEnd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	_, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)

	require.NoError(t, env.reg.End(ctx, view.ID, host))
	assert.Equal(t, 1, env.pipeline.handle.stopped)
	assert.Equal(t, 1, env.store.uploads)
}

func TestRecordingStartDuringSessionEnd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	env.pipeline.onStart = func() {
		require.NoError(t, env.reg.End(ctx, view.ID, host))
	}

	// The session ended while the capture start was in flight; the
	// commit must stop the fresh capture instead of resurrecting the
	// recording.
	_, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	assert.True(t, core.IsKind(err, core.KindInvalidState))
	assert.Equal(t, 1, env.pipeline.handle.stopped)

	_, err = env.reg.Session(view.ID)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestRecordingStoppedOnEngineFatal(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := recordingSession(t, env)

	_, err := env.reg.StartRecording(ctx, view.ID, host, StreamSelector{})
	require.NoError(t, err)

	env.engine.TriggerFatal(errors.New("worker exited"))
	assert.Equal(t, 1, env.pipeline.handle.stopped)
}

func TestStopUnknownRecording(t *testing.T) {
	env := newTestEnv()
	_, err := env.reg.StopRecording(context.Background(), "nope", host)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}
