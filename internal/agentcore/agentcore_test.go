package agentcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dghilardi/hailstorm/internal/botruntime"
	"github.com/dghilardi/hailstorm/internal/wire"
)

type stubHost struct{ tickEvery time.Duration }

func (h *stubHost) Instantiate(ctx context.Context, id botruntime.Identity) (botruntime.Handle, error) {
	return id, nil
}

func (h *stubHost) Register(ctx context.Context, handle botruntime.Handle) (botruntime.ActionSet, error) {
	return botruntime.ActionSet{
		Actions:      []botruntime.ActionSpec{{Name: "ping", Trigger: botruntime.TriggerAlive, Weight: 1}},
		TickInterval: h.tickEvery,
	}, nil
}

func (h *stubHost) Fire(ctx context.Context, handle botruntime.Handle, action botruntime.ActionSpec) (botruntime.Sample, error) {
	return botruntime.Sample{Action: action.Name, Status: 0, ElapsedNs: 100}, nil
}

func (h *stubHost) Destroy(handle botruntime.Handle) {}

func newTestAgent() *Agent {
	return New(Config{
		AgentID:             7,
		AgentName:           "agent-7",
		HostFn:              func(scriptPath string) botruntime.Host { return &stubHost{tickEvery: time.Millisecond} },
		BucketCap:           48,
		SnapshotPeriods:     8,
		DefaultTickInterval: time.Millisecond,
		SpawnConcurrency:    4,
		StopGraceMultiplier: 2,
	})
}

func TestAgentLifecycleIdleToRunningToIdle(t *testing.T) {
	a := newTestAgent()
	require.Equal(t, wire.StateIdle, a.State())

	err := a.Apply(context.Background(), wire.CommandItem{
		Kind:             wire.CommandLoadSim,
		Script:           "bot.lua",
		ClientsEvolution: []wire.ClientsEvolutionEntry{{Model: "m1", Shape: "5"}},
	})
	require.NoError(t, err)
	require.Equal(t, wire.StateReady, a.State())

	err = a.Apply(context.Background(), wire.CommandItem{Kind: wire.CommandLaunch, StartTS: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	require.Equal(t, wire.StateRunning, a.State())

	a.Tick(context.Background(), time.Now())

	err = a.Apply(context.Background(), wire.CommandItem{Kind: wire.CommandStop, Reset: true})
	require.NoError(t, err)
	require.Equal(t, wire.StateIdle, a.State())
}

func TestLaunchWithFutureStartGoesToWaitingThenRunning(t *testing.T) {
	a := newTestAgent()
	require.NoError(t, a.Apply(context.Background(), wire.CommandItem{
		Kind:             wire.CommandLoadSim,
		ClientsEvolution: []wire.ClientsEvolutionEntry{{Model: "m1", Shape: "1"}},
	}))

	future := time.Now().Add(20 * time.Millisecond)
	require.NoError(t, a.Apply(context.Background(), wire.CommandItem{Kind: wire.CommandLaunch, StartTS: future}))
	require.Equal(t, wire.StateWaiting, a.State())

	a.Tick(context.Background(), time.Now())
	require.Equal(t, wire.StateWaiting, a.State())

	a.Tick(context.Background(), future.Add(time.Millisecond))
	require.Equal(t, wire.StateRunning, a.State())
}

func TestLaunchWithoutLoadSimIsIllegal(t *testing.T) {
	a := newTestAgent()
	err := a.Apply(context.Background(), wire.CommandItem{Kind: wire.CommandLaunch})
	require.Error(t, err)
}

func TestSnapshotAssignsMonotonicUpdateIDs(t *testing.T) {
	a := newTestAgent()
	s1 := a.Snapshot(time.Now())
	s2 := a.Snapshot(time.Now())
	require.Equal(t, uint64(1), s1.UpdateID)
	require.Equal(t, uint64(2), s2.UpdateID)
	require.Greater(t, s2.UpdateID, s1.UpdateID)
}

func TestSnapshotIncludesPerformanceAfterFiring(t *testing.T) {
	a := newTestAgent()
	require.NoError(t, a.Apply(context.Background(), wire.CommandItem{
		Kind:             wire.CommandLoadSim,
		ClientsEvolution: []wire.ClientsEvolutionEntry{{Model: "m1", Shape: "3"}},
	}))
	require.NoError(t, a.Apply(context.Background(), wire.CommandItem{Kind: wire.CommandLaunch, StartTS: time.Now().Add(-time.Second)}))

	a.Tick(context.Background(), time.Now())
	time.Sleep(5 * time.Millisecond)
	a.Tick(context.Background(), time.Now())
	time.Sleep(5 * time.Millisecond)

	snap := a.Snapshot(time.Now())
	require.Len(t, snap.Stats, 1)
	require.Equal(t, "m1", snap.Stats[0].Model)
	require.NotEmpty(t, snap.Stats[0].Performance)
}

func TestUpdateAgentsCountDistributesProportionally(t *testing.T) {
	a := newTestAgent()
	require.NoError(t, a.Apply(context.Background(), wire.CommandItem{
		Kind: wire.CommandLoadSim,
		ClientsEvolution: []wire.ClientsEvolutionEntry{
			{Model: "a", Shape: "10"},
			{Model: "b", Shape: "10"},
		},
	}))
	require.NoError(t, a.Apply(context.Background(), wire.CommandItem{Kind: wire.CommandLaunch, StartTS: time.Now().Add(-time.Second)}))
	a.Tick(context.Background(), time.Now())

	err := a.Apply(context.Background(), wire.CommandItem{Kind: wire.CommandUpdateAgentsCount, N: 20})
	require.NoError(t, err)

	a.Tick(context.Background(), time.Now())

	total := 0
	for _, m := range a.models {
		total += m.sched.LiveCount()
	}
	require.Equal(t, 20, total)
}
