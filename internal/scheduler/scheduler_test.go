package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dghilardi/hailstorm/internal/botruntime"
	"github.com/dghilardi/hailstorm/internal/histogram"
	"github.com/dghilardi/hailstorm/internal/shape"
)

// fakeHost is a minimal in-memory botruntime.Host for exercising the
// scheduler without an embedded script engine.
type fakeHost struct {
	mu         sync.Mutex
	live       map[botruntime.Identity]bool
	fireCount  int64
	tickEvery  time.Duration
	failRegister bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{live: make(map[botruntime.Identity]bool), tickEvery: time.Millisecond}
}

func (h *fakeHost) Instantiate(ctx context.Context, id botruntime.Identity) (botruntime.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[id] = true
	return id, nil
}

func (h *fakeHost) Register(ctx context.Context, handle botruntime.Handle) (botruntime.ActionSet, error) {
	if h.failRegister {
		return botruntime.ActionSet{}, errFakeRegister
	}
	return botruntime.ActionSet{
		Actions: []botruntime.ActionSpec{
			{Name: "ping", Trigger: botruntime.TriggerAlive, Weight: 1},
		},
		TickInterval: h.tickEvery,
	}, nil
}

func (h *fakeHost) Fire(ctx context.Context, handle botruntime.Handle, action botruntime.ActionSpec) (botruntime.Sample, error) {
	atomic.AddInt64(&h.fireCount, 1)
	return botruntime.Sample{Action: action.Name, Status: 0, ElapsedNs: 1000}, nil
}

func (h *fakeHost) Destroy(handle botruntime.Handle) {
	id := handle.(botruntime.Identity)
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, id)
}

func (h *fakeHost) liveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFakeRegister = fakeErr("register failed")

func newTestScheduler(t *testing.T, host *fakeHost, shapeSrc string) *Scheduler {
	expr, err := shape.Compile(shapeSrc)
	require.NoError(t, err)
	store := histogram.NewStore(48, 8)
	return New("loadtest", expr, Config{AgentID: 1, Host: host, Store: store, SpawnConcurrency: 4, DefaultTickInterval: time.Millisecond, StopGraceMultiplier: 2})
}

func TestTickSpawnsToTarget(t *testing.T) {
	host := newFakeHost()
	s := newTestScheduler(t, host, "5")
	s.Tick(context.Background(), 0)
	require.Equal(t, 5, s.LiveCount())
	require.Equal(t, 5, host.liveCount())
}

func TestTickShrinksToTarget(t *testing.T) {
	host := newFakeHost()
	s := newTestScheduler(t, host, "10")
	s.Tick(context.Background(), 0)
	require.Equal(t, 10, s.LiveCount())

	s2 := newTestScheduler(t, host, "3")
	s2.bots = s.bots
	s2.nextInternalID = s.nextInternalID
	s2.stateCounts = s.stateCounts
	s2.Tick(context.Background(), 0)
	require.Equal(t, 3, s2.LiveCount())
}

func TestManualOverrideTakesPrecedenceOverShape(t *testing.T) {
	host := newFakeHost()
	s := newTestScheduler(t, host, "100")
	s.ApplyManualOverride(2)
	s.Tick(context.Background(), 0)
	require.Equal(t, 2, s.LiveCount())
}

func TestFireRecordsIntoHistogramStore(t *testing.T) {
	host := newFakeHost()
	host.tickEvery = time.Microsecond
	store := histogram.NewStore(48, 8)
	expr, err := shape.Compile("2")
	require.NoError(t, err)
	s := New("loadtest", expr, Config{AgentID: 1, Host: host, Store: store, DefaultTickInterval: time.Microsecond})

	s.Tick(context.Background(), 0)
	time.Sleep(5 * time.Millisecond)
	s.Tick(context.Background(), 0)
	time.Sleep(5 * time.Millisecond)

	require.Greater(t, atomic.LoadInt64(&host.fireCount), int64(0))
}

func TestSpawnFailureDoesNotPanicAndRetriesNextTick(t *testing.T) {
	host := newFakeHost()
	host.failRegister = true
	s := newTestScheduler(t, host, "3")
	s.Tick(context.Background(), 0)
	require.Equal(t, 0, s.LiveCount())

	host.failRegister = false
	s.Tick(context.Background(), 0)
	require.Equal(t, 3, s.LiveCount())
}

func TestChooseAliveDegenerateWeightsPicksFirst(t *testing.T) {
	actions := []botruntime.ActionSpec{
		{Name: "a", Weight: 1},
		{Name: "b", Weight: 0},
		{Name: "c", Weight: 0},
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		chosen, ok := chooseAlive(actions, rng)
		require.True(t, ok)
		require.Equal(t, "a", chosen.Name)
	}
}

func TestLifecycleStateIDMapping(t *testing.T) {
	require.Equal(t, uint32(0), Lifecycle{Kind: Initializing}.StateID())
	require.Equal(t, uint32(1), Lifecycle{Kind: Running}.StateID())
	require.Equal(t, uint32(2), Lifecycle{Kind: Stopping}.StateID())
	require.Equal(t, uint32(7), Lifecycle{Kind: Custom, CustomID: 7}.StateID())
}
