// Package agentcore implements the agent state machine: it owns the set of
// per-model schedulers for the currently loaded simulation, drives their
// 1Hz tick, and assembles the periodic AgentUpdate emitted upstream.
package agentcore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dghilardi/hailstorm/internal/botruntime"
	"github.com/dghilardi/hailstorm/internal/herrors"
	"github.com/dghilardi/hailstorm/internal/histogram"
	"github.com/dghilardi/hailstorm/internal/logger"
	"github.com/dghilardi/hailstorm/internal/scheduler"
	"github.com/dghilardi/hailstorm/internal/shape"
	"github.com/dghilardi/hailstorm/internal/wire"
)

// HostFactory builds the botruntime.Host used to run one model's bots. It is
// a factory rather than a shared instance because each LoadSim may point at
// a different script.
type HostFactory func(scriptPath string) botruntime.Host

// modelRuntime bundles one loaded model's scheduler with its own histogram
// store, so drains stay scoped to a single model.
type modelRuntime struct {
	sched *scheduler.Scheduler
	store *histogram.Store
	host  botruntime.Host
}

// Agent is the top-level per-process state machine. Exactly one
// goroutine is expected to call Tick; Apply and State are safe to call from
// any goroutine (the agent's own fields are guarded by mu).
type Agent struct {
	ID       uint32
	Name     string
	HostFn   HostFactory
	Log      logger.Logger

	bucketCap           int
	ringSize            int
	defaultTick         time.Duration
	spawnConcurrency    int
	stopGraceMultiplier int
	maxRunningBots      int

	// OnDrain and OnLiveBots, when set, are called during Snapshot with each
	// model's drained histograms and live-bot count, letting a telemetry
	// exporter mirror them without this package importing telemetry.
	OnDrain    func(model string, snaps []histogram.Snapshot)
	OnLiveBots func(model string, count int)

	mu           sync.Mutex
	state        wire.AgentState
	models       map[string]*modelRuntime
	simulationID string
	simStart     time.Time
	nextUpdateID uint64
}

// Config carries the sizing knobs every scheduler/store built by this agent
// inherits.
type Config struct {
	AgentID             uint32
	AgentName           string
	HostFn              HostFactory
	Log                 logger.Logger
	BucketCap           int
	SnapshotPeriods     int
	DefaultTickInterval time.Duration
	SpawnConcurrency    int
	StopGraceMultiplier int
	MaxRunningBots      int // 0 means unbounded; applied per model, not summed across models
}

// New builds an Agent in its initial Idle state.
func New(cfg Config) *Agent {
	return &Agent{
		ID:                  cfg.AgentID,
		Name:                cfg.AgentName,
		HostFn:              cfg.HostFn,
		Log:                 cfg.Log,
		bucketCap:           cfg.BucketCap,
		ringSize:            cfg.SnapshotPeriods,
		defaultTick:         cfg.DefaultTickInterval,
		spawnConcurrency:    cfg.SpawnConcurrency,
		stopGraceMultiplier: cfg.StopGraceMultiplier,
		maxRunningBots:      cfg.MaxRunningBots,
		state:               wire.StateIdle,
		models:              make(map[string]*modelRuntime),
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() wire.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Apply dispatches one downward CommandItem, implementing the transitions:
//
//	Idle/Ready      --LoadSim--> Ready
//	Ready           --Launch--> Waiting (start in the future) or Running
//	Running/Waiting --Stop--> Ready (no reset)
//	any             --Stop--> Idle (reset)
//	any             --UpdateAgentsCount--> unchanged, retargets live schedulers
func (a *Agent) Apply(ctx context.Context, cmd wire.CommandItem) error {
	switch cmd.Kind {
	case wire.CommandLoadSim:
		return a.loadSim(cmd)
	case wire.CommandLaunch:
		return a.launch(cmd)
	case wire.CommandUpdateAgentsCount:
		return a.updateAgentsCount(cmd)
	case wire.CommandStop:
		return a.stop(ctx, cmd)
	default:
		return herrors.Newf("Agent.Apply", herrors.KindProtocolViolation, "unknown command kind %d", cmd.Kind)
	}
}

func (a *Agent) loadSim(cmd wire.CommandItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != wire.StateIdle && a.state != wire.StateReady {
		return herrors.New("Agent.loadSim", herrors.KindProtocolViolation, herrors.ErrIllegalTransition)
	}

	models := make(map[string]*modelRuntime, len(cmd.ClientsEvolution))
	for _, entry := range cmd.ClientsEvolution {
		expr, err := shape.Compile(entry.Shape)
		if err != nil {
			return herrors.New("Agent.loadSim", herrors.KindShapeEval, err)
		}
		host := a.HostFn(cmd.Script)
		store := histogram.NewStore(a.bucketCap, a.ringSize)
		sched := scheduler.New(entry.Model, expr, scheduler.Config{
			AgentID:             a.ID,
			Host:                host,
			Store:               store,
			Log:                 a.Log,
			SpawnConcurrency:    a.spawnConcurrency,
			DefaultTickInterval: a.defaultTick,
			StopGraceMultiplier: a.stopGraceMultiplier,
			MaxRunningBots:      a.maxRunningBots,
		})
		models[entry.Model] = &modelRuntime{sched: sched, store: store, host: host}
	}

	simID := cmd.SimulationID
	if simID == "" {
		payload := cmd.Script
		for _, entry := range cmd.ClientsEvolution {
			payload += "\x00" + entry.Model + "\x00" + entry.Shape
		}
		simID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(payload)).String()
	}

	a.models = models
	a.simulationID = simID
	a.state = wire.StateReady
	return nil
}

func (a *Agent) launch(cmd wire.CommandItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != wire.StateReady {
		return herrors.New("Agent.launch", herrors.KindProtocolViolation, herrors.ErrIllegalTransition)
	}

	startTS := cmd.StartTS
	if startTS.IsZero() {
		startTS = time.Now()
	}
	if startTS.After(time.Now()) {
		a.state = wire.StateWaiting
		a.simStart = startTS
		return nil
	}
	a.simStart = startTS
	a.state = wire.StateRunning
	return nil
}

func (a *Agent) updateAgentsCount(cmd wire.CommandItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.models) == 0 {
		return herrors.New("Agent.updateAgentsCount", herrors.KindProtocolViolation, herrors.ErrUnknownTarget)
	}

	// Distribute the manual total proportionally across models using their
	// current live share; the last model takes the rounding remainder. When
	// no model has live bots, the total is split evenly instead.
	total := 0
	shares := make(map[string]int, len(a.models))
	for name, m := range a.models {
		live := m.sched.LiveCount()
		shares[name] = live
		total += live
	}

	if total == 0 {
		even := int(cmd.N) / len(a.models)
		remainder := int(cmd.N) % len(a.models)
		i := 0
		for name, m := range a.models {
			n := even
			if i < remainder {
				n++
			}
			m.sched.ApplyManualOverride(n)
			i++
		}
		return nil
	}

	assigned := 0
	i := 0
	names := make([]string, 0, len(a.models))
	for name := range a.models {
		names = append(names, name)
	}
	for _, name := range names {
		i++
		var portion int
		if i == len(names) {
			portion = int(cmd.N) - assigned
		} else {
			portion = int(cmd.N) * shares[name] / total
			assigned += portion
		}
		a.models[name].sched.ApplyManualOverride(portion)
	}
	return nil
}

func (a *Agent) stop(ctx context.Context, cmd wire.CommandItem) error {
	a.mu.Lock()
	if !cmd.Reset && a.state != wire.StateRunning && a.state != wire.StateWaiting {
		a.mu.Unlock()
		return herrors.New("Agent.stop", herrors.KindProtocolViolation, herrors.ErrIllegalTransition)
	}
	models := a.models
	a.mu.Unlock()

	for _, m := range models {
		m.sched.Shutdown(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cmd.Reset {
		a.models = make(map[string]*modelRuntime)
		a.simulationID = ""
		a.state = wire.StateIdle
	} else {
		a.state = wire.StateReady
	}
	return nil
}

// Tick drives every loaded model's scheduler once
// while the agent is Running; Waiting agents promote to Running once their
// scheduled start time has passed.
func (a *Agent) Tick(ctx context.Context, now time.Time) {
	a.mu.Lock()
	if a.state == wire.StateWaiting && !now.Before(a.simStart) {
		a.state = wire.StateRunning
	}
	running := a.state == wire.StateRunning
	models := a.models
	simStart := a.simStart
	a.mu.Unlock()

	if !running {
		return
	}

	elapsed := now.Sub(simStart).Seconds()
	for _, m := range models {
		m.sched.Tick(ctx, elapsed)
	}
}

// Snapshot assembles the AgentUpdate for the current instant, draining every
// model's histogram store and reading its current state counts.
func (a *Agent) Snapshot(now time.Time) wire.AgentUpdate {
	a.mu.Lock()
	a.nextUpdateID++
	updateID := a.nextUpdateID
	state := a.state
	simID := a.simulationID
	models := a.models
	a.mu.Unlock()

	stats := make([]wire.ModelStats, 0, len(models))
	for name, m := range models {
		perfSnaps := m.store.DrainSince(now)
		perf := flattenHistograms(now, perfSnaps)
		if a.OnDrain != nil {
			a.OnDrain(name, perfSnaps)
		}
		if a.OnLiveBots != nil {
			a.OnLiveBots(name, m.sched.LiveCount())
		}

		counts := m.sched.StateSnapshot()
		states := make([]wire.ModelStateCount, 0, len(counts))
		for id, count := range counts {
			states = append(states, wire.ModelStateCount{StateID: id, Count: count})
		}

		stats = append(stats, wire.ModelStats{
			Model:       name,
			States:      []wire.ModelStateSnapshot{{Timestamp: now, States: states}},
			Performance: perf,
		})
	}

	return wire.AgentUpdate{
		AgentID:      a.ID,
		Stats:        stats,
		UpdateID:     updateID,
		Timestamp:    now,
		Name:         a.Name,
		State:        state,
		SimulationID: simID,
	}
}

// flattenHistograms groups per-(action,status) snapshots back into one
// PerformanceSnapshot per action, matching wire.PerformanceSnapshot's shape.
func flattenHistograms(now time.Time, snaps []histogram.Snapshot) []wire.PerformanceSnapshot {
	byAction := make(map[string][]wire.PerformanceHistogram)
	order := make([]string, 0)
	for _, s := range snaps {
		if _, ok := byAction[s.Action]; !ok {
			order = append(order, s.Action)
		}
		byAction[s.Action] = append(byAction[s.Action], wire.PerformanceHistogram{
			Status:  s.Status,
			Buckets: s.Buckets,
			Sum:     s.Sum,
		})
	}

	out := make([]wire.PerformanceSnapshot, 0, len(order))
	for _, action := range order {
		out = append(out, wire.PerformanceSnapshot{
			Timestamp:  now,
			Action:     action,
			Histograms: byAction[action],
		})
	}
	return out
}
