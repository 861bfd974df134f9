package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

func waitingRoomSession(t *testing.T, env *testEnv) SessionView {
	t.Helper()
	opts := domain.DefaultSessionOptions()
	opts.WaitingRoom = true
	view := env.createSession(t, opts, host)
	_, err := env.reg.Join(context.Background(), view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	return view
}

func TestWaitingRoomGatesParticipants(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := waitingRoomSession(t, env)
	transportsBefore := env.engine.transports

	res, err := env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)
	assert.True(t, res.AdmissionPending)
	assert.Empty(t, res.TransportParams.TransportID)
	// No media resources until admission.
	assert.Equal(t, transportsBefore, env.engine.transports)
	assert.Equal(t, 1, env.sink.count(host, "waiting-room-join"))

	list, err := env.reg.WaitingRoom(view.ID, host)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alice, list[0].ParticipantID)

	// Only the host can see the queue.
	_, err = env.reg.WaitingRoom(view.ID, alice)
	assert.True(t, core.IsKind(err, core.KindUnauthorized))
}

func TestAdmitProvisionsDeferredJoin(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := waitingRoomSession(t, env)

	_, err := env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	res, err := env.reg.Admit(ctx, view.ID, host, alice)
	require.NoError(t, err)
	assert.False(t, res.AdmissionPending)
	assert.NotEmpty(t, res.TransportParams.TransportID)
	assert.Equal(t, 1, env.sink.count(alice, "waiting-room-admitted"))

	members, err := env.reg.Participants(view.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// Admitting again fails: no longer waiting.
	_, err = env.reg.Admit(ctx, view.ID, host, alice)
	assert.True(t, core.IsKind(err, core.KindInvalidState))

	// Once admitted the participant is a full member and may produce.
	prod, err := env.reg.Produce(ctx, view.ID, alice, domain.KindAudio, nil, domain.SourceMic)
	require.NoError(t, err)
	assert.NotEmpty(t, prod.ID)
	assert.Equal(t, 1, env.engine.producers)
	assert.Equal(t, 1, env.sink.count(host, "new-producer"))
}

func TestAdmitRequiresHost(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := waitingRoomSession(t, env)

	_, err := env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)
	_, err = env.reg.Join(ctx, view.ID, bob, domain.RoleParticipant)
	require.NoError(t, err)

	_, err = env.reg.Admit(ctx, view.ID, alice, bob)
	assert.True(t, core.IsKind(err, core.KindUnauthorized))
	require.NoError(t, env.reg.Reject(ctx, view.ID, host, bob))
}

func TestRejectDiscardsWaiting(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := waitingRoomSession(t, env)

	_, err := env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	require.NoError(t, env.reg.Reject(ctx, view.ID, host, alice))
	assert.Equal(t, 1, env.sink.count(alice, "waiting-room-rejected"))

	list, err := env.reg.WaitingRoom(view.ID, host)
	require.NoError(t, err)
	assert.Empty(t, list)

	members, err := env.reg.Participants(view.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	err = env.reg.Reject(ctx, view.ID, host, alice)
	assert.True(t, core.IsKind(err, core.KindInvalidState))
}

func TestWaitingWithdrawal(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := waitingRoomSession(t, env)

	_, err := env.reg.Join(ctx, view.ID, alice, domain.RoleParticipant)
	require.NoError(t, err)

	// Leaving while still waiting just dequeues.
	require.NoError(t, env.reg.Leave(ctx, view.ID, alice))
	list, err := env.reg.WaitingRoom(view.ID, host)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHostBypassesWaitingRoom(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	opts := domain.DefaultSessionOptions()
	opts.WaitingRoom = true
	view := env.createSession(t, opts, host)

	res, err := env.reg.Join(ctx, view.ID, host, domain.RoleHost)
	require.NoError(t, err)
	assert.False(t, res.AdmissionPending)
}

func TestWaitingRoomArrivalOrder(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	view := waitingRoomSession(t, env)

	for _, pid := range []domain.ParticipantID{alice, bob} {
		_, err := env.reg.Join(ctx, view.ID, pid, domain.RoleParticipant)
		require.NoError(t, err)
	}
	list, err := env.reg.WaitingRoom(view.ID, host)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, alice, list[0].ParticipantID)
	assert.Equal(t, bob, list[1].ParticipantID)
}
