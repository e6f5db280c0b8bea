package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetState_Success(t *testing.T) {
	reg, runner, front := newTestRegistry(t, Options{})
	ctx := context.Background()

	mustReconcile(t, reg, Descriptor{Name: "TV", OnCommand: "tv on", OffCommand: "tv off"})

	require.NoError(t, reg.SetState(ctx, "TV", true))
	assert.True(t, cachedState(t, reg, "TV"))
	assert.Equal(t, 1, runner.callCount("tv on"))

	changes := front.changesFor("TV")
	require.Len(t, changes, 1)
	assert.True(t, changes[0].On)
	assert.Equal(t, SourceCommand, changes[0].Source)
	assert.Equal(t, map[Property]any{PropertyOn: true}, changes[0].Values)

	// Same state again: the command still runs but nothing is notified.
	require.NoError(t, reg.SetState(ctx, "TV", true))
	assert.Equal(t, 2, runner.callCount("tv on"))
	assert.Len(t, front.changesFor("TV"), 1)
}

func TestSetState_FailureLeavesCacheUntouched(t *testing.T) {
	reg, runner, front := newTestRegistry(t, Options{})

	runner.setExit("tv on", 1)
	mustReconcile(t, reg, Descriptor{Name: "TV", OnCommand: "tv on", OffCommand: "tv off"})

	err := reg.SetState(context.Background(), "TV", true)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.False(t, cachedState(t, reg, "TV"))
	assert.Empty(t, front.changesFor("TV"))
}

func TestSetState_FailureWhenAlreadyInState(t *testing.T) {
	reg, runner, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	mustReconcile(t, reg, Descriptor{Name: "TV", OnCommand: "tv on", OffCommand: "tv off"})
	require.NoError(t, reg.SetState(ctx, "TV", true))

	runner.setExit("tv on", 1)
	assert.NoError(t, reg.SetState(ctx, "TV", true))
	assert.True(t, cachedState(t, reg, "TV"))
}

func TestSetState_MissingCommand(t *testing.T) {
	reg, runner, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	runner.setExit("lamp state", 1)
	mustReconcile(t, reg, Descriptor{Name: "Lamp", OnCommand: "lamp on", StateCommand: "lamp state"})

	// Already off: a missing off command is not an error.
	require.NoError(t, reg.SetState(ctx, "Lamp", false))

	require.NoError(t, reg.SetState(ctx, "Lamp", true))
	err := reg.SetState(ctx, "Lamp", false)
	assert.ErrorIs(t, err, ErrNoCommandConfigured)
	assert.True(t, cachedState(t, reg, "Lamp"))
}

func TestSetState_TimeoutReportsOptimisticSuccess(t *testing.T) {
	reg, runner, front := newTestRegistry(t, Options{})

	mustReconcile(t, reg, Descriptor{Name: "TV", OnCommand: "tv on", OffCommand: "tv off"})
	release := runner.hold("tv on")
	defer release()

	start := time.Now()
	require.NoError(t, reg.SetState(context.Background(), "TV", true))
	assert.GreaterOrEqual(t, time.Since(start), testSetTimeout)
	assert.False(t, cachedState(t, reg, "TV"), "cache waits for the command")

	release()
	require.Eventually(t, func() bool { return cachedState(t, reg, "TV") }, eventually, tick)

	changes := front.changesFor("TV")
	require.Len(t, changes, 1)
	assert.Equal(t, SourceCommand, changes[0].Source)
}

func TestSetState_LateFailureIsIgnored(t *testing.T) {
	reg, runner, front := newTestRegistry(t, Options{})

	mustReconcile(t, reg, Descriptor{Name: "TV", OnCommand: "tv on", OffCommand: "tv off"})
	release := runner.hold("tv on")

	require.NoError(t, reg.SetState(context.Background(), "TV", true))
	runner.setExit("tv on", 1)
	release()

	assert.Never(t, func() bool { return cachedState(t, reg, "TV") }, 100*time.Millisecond, tick)
	assert.Empty(t, front.changesFor("TV"))
}

func TestSetState_KillOnTimeout(t *testing.T) {
	reg, runner, _ := newTestRegistry(t, Options{KillOnTimeout: true})

	mustReconcile(t, reg, Descriptor{Name: "TV", OnCommand: "tv on", OffCommand: "tv off"})
	release := runner.hold("tv on")
	defer release()

	require.NoError(t, reg.SetState(context.Background(), "TV", true))
	require.Eventually(t, func() bool { return runner.killedCount() == 1 }, eventually, tick)
	assert.Never(t, func() bool { return cachedState(t, reg, "TV") }, 50*time.Millisecond, tick)
}

func TestSetState_SupersededCompletionIsDropped(t *testing.T) {
	reg, runner, front := newTestRegistry(t, Options{})
	ctx := context.Background()

	mustReconcile(t, reg, Descriptor{Name: "TV", OnCommand: "tv on", OffCommand: "tv off"})
	release := runner.hold("tv on")
	defer release()

	require.NoError(t, reg.SetState(ctx, "TV", true))
	require.NoError(t, reg.SetState(ctx, "TV", false))

	release()
	assert.Never(t, func() bool { return cachedState(t, reg, "TV") }, 100*time.Millisecond, tick)
	assert.Empty(t, front.changesFor("TV"))
}

func TestSetState_DeviceRemovedWhilePending(t *testing.T) {
	reg, runner, _ := newTestRegistry(t, Options{SetTimeout: time.Hour})
	ctx := context.Background()

	mustReconcile(t, reg, Descriptor{Name: "TV", OnCommand: "tv on", OffCommand: "tv off"})
	release := runner.hold("tv on")
	defer release()

	errCh := make(chan error, 1)
	go func() { errCh <- reg.SetState(ctx, "TV", true) }()

	require.Eventually(t, func() bool { return runner.callCount("tv on") == 1 }, eventually, tick)
	require.NoError(t, reg.Remove(ctx, "TV"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDeviceRemoved)
	case <-time.After(eventually):
		t.Fatal("SetState did not return after the device was removed")
	}
}

func TestSetState_MomentaryReverts(t *testing.T) {
	reg, runner, front := newTestRegistry(t, Options{})

	mustReconcile(t, reg, Descriptor{Name: "Gate", Type: "Lock", OnCommand: "pulse gate"})

	require.NoError(t, reg.SetState(context.Background(), "Gate", true))
	assert.True(t, cachedState(t, reg, "Gate"))

	require.Eventually(t, func() bool { return len(front.changesFor("Gate")) == 2 }, eventually, tick)
	changes := front.changesFor("Gate")

	assert.Equal(t, SourceCommand, changes[0].Source)
	assert.Equal(t, LockSecured, changes[0].Values[PropertyLockTargetState])

	revert := changes[1]
	assert.Equal(t, SourceRevert, revert.Source)
	assert.False(t, revert.On)
	assert.Equal(t, map[Property]any{PropertyOn: false}, revert.Values)
	assert.GreaterOrEqual(t, revert.Timestamp.Sub(changes[0].Timestamp), testRevertDelay/2)

	assert.False(t, cachedState(t, reg, "Gate"))
	assert.Equal(t, 1, runner.callCount("pulse gate"), "reversion runs no command")
}

func TestSetState_NotMomentaryWithStateCommand(t *testing.T) {
	reg, _, front := newTestRegistry(t, Options{})

	mustReconcile(t, reg, Descriptor{Name: "Bell", OnCommand: "ring", StateCommand: "bell state"})
	require.Eventually(t, func() bool { return len(front.changesFor("Bell")) == 1 }, eventually, tick)

	require.NoError(t, reg.SetState(context.Background(), "Bell", true))
	assert.Never(t, func() bool {
		for _, c := range front.changesFor("Bell") {
			if c.Source == SourceRevert {
				return true
			}
		}
		return false
	}, 3*testRevertDelay, tick)
}

func TestSetState_UnknownDevice(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Options{})
	assert.ErrorIs(t, reg.SetState(context.Background(), "Ghost", true), ErrDeviceNotFound)
}
