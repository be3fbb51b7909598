// Package scheduler implements the per-model bot population actor: it
// materialises and terminates scripted bot instances from a time-indexed
// shape expression and invokes their action callbacks on tick.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dghilardi/hailstorm/internal/botruntime"
	"github.com/dghilardi/hailstorm/internal/histogram"
	"github.com/dghilardi/hailstorm/internal/logger"
	"github.com/dghilardi/hailstorm/internal/shape"
)

// LifecycleKind is the coarse bot lifecycle state.
type LifecycleKind int

const (
	Initializing LifecycleKind = iota
	Running
	Stopping
	Custom
)

// Lifecycle is a bot's current state; Custom carries a script-defined id.
type Lifecycle struct {
	Kind     LifecycleKind
	CustomID uint32
}

// StateID maps a Lifecycle onto the wire-level numeric state id used by
// ModelStateSnapshot and EnterState(S) triggers.
func (l Lifecycle) StateID() uint32 {
	switch l.Kind {
	case Initializing:
		return 0
	case Running:
		return 1
	case Stopping:
		return 2
	default:
		return l.CustomID
	}
}

type bot struct {
	identity   botruntime.Identity
	handle     botruntime.Handle
	actions    botruntime.ActionSet
	lifecycle  Lifecycle
	nextFireAt time.Time
	busy       chan struct{} // capacity 1; held while a callback is in flight
	spawnedAt  uint64        // internal_id, used to pick the oldest bots to stop
}

// Scheduler owns exactly one model's bot population. It is meant
// to be driven by a single goroutine calling Tick once per second; all
// mutation of Scheduler state happens on that goroutine except histogram
// recording, which is lock-free.
type Scheduler struct {
	ModelName string

	host                botruntime.Host
	store               *histogram.Store
	log                 logger.Logger
	agentID             uint32
	spawnConcurrency    int
	defaultTick         time.Duration
	stopGraceMultiplier int
	maxRunningBots      int // 0 means unbounded
	rng                 *rand.Rand

	mu             sync.Mutex
	curShape       *shape.Expr
	target         int
	manualOverride *int
	bots           map[uint64]*bot
	nextInternalID uint64
	stateCounts    map[uint32]uint32
}

// Config bundles the fixed knobs a Scheduler is built with.
type Config struct {
	AgentID             uint32
	Host                botruntime.Host
	Store               *histogram.Store
	Log                 logger.Logger
	SpawnConcurrency    int // default 16
	DefaultTickInterval time.Duration
	StopGraceMultiplier int // default 2
	MaxRunningBots      int // 0 means unbounded
}

// New builds a Scheduler for one model with its compiled shape expression.
func New(model string, expr *shape.Expr, cfg Config) *Scheduler {
	spawnConcurrency := cfg.SpawnConcurrency
	if spawnConcurrency <= 0 {
		spawnConcurrency = 16
	}
	defaultTick := cfg.DefaultTickInterval
	if defaultTick <= 0 {
		defaultTick = 5000 * time.Millisecond
	}
	graceMul := cfg.StopGraceMultiplier
	if graceMul <= 0 {
		graceMul = 2
	}
	return &Scheduler{
		ModelName:           model,
		host:                cfg.Host,
		store:               cfg.Store,
		log:                 cfg.Log,
		agentID:             cfg.AgentID,
		spawnConcurrency:    spawnConcurrency,
		defaultTick:         defaultTick,
		stopGraceMultiplier: graceMul,
		maxRunningBots:      cfg.MaxRunningBots,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		curShape:            expr,
		bots:                make(map[uint64]*bot),
		stateCounts:         make(map[uint32]uint32),
	}
}

// ApplyManualOverride sets a sticky target that Tick uses instead of the
// compiled shape, implementing the UpdateAgentsCount command: a manual
// override stays in effect until the next LoadSim replaces this Scheduler
// outright.
func (s *Scheduler) ApplyManualOverride(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualOverride = &n
}

// LiveCount returns the current number of live bots; it always equals the
// sum of StateSnapshot's counts.
func (s *Scheduler) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bots)
}

// StateSnapshot returns the current per-state bot counts, emitted once per
// aggregation period by the agent core.
func (s *Scheduler) StateSnapshot() map[uint32]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]uint32, len(s.stateCounts))
	for id, count := range s.stateCounts {
		out[id] = count
	}
	return out
}

// Tick runs one 1Hz pulse: re-evaluate the target, spawn/destroy bots to
// converge on it, and fire due Alive actions.
func (s *Scheduler) Tick(ctx context.Context, simElapsed float64) {
	target := s.resolveTarget(simElapsed)

	s.mu.Lock()
	live := len(s.bots)
	s.target = target
	s.mu.Unlock()

	if target > live {
		s.spawn(ctx, target-live)
	} else if target < live {
		s.shrink(ctx, live-target)
	}

	s.fireDue(ctx)
}

func (s *Scheduler) resolveTarget(simElapsed float64) int {
	s.mu.Lock()
	override := s.manualOverride
	expr := s.curShape
	s.mu.Unlock()

	if override != nil {
		return s.clampToMax(*override)
	}
	if expr == nil {
		return 0
	}
	n, err := expr.Target(simElapsed)
	if err != nil {
		// ShapeEval is fatal for this model only: disable with a
		// zero target rather than propagate.
		if s.log != nil {
			s.log.Error("shape evaluation failed, disabling model", map[string]interface{}{
				"model": s.ModelName, "error": err.Error(),
			})
		}
		return 0
	}
	return s.clampToMax(n)
}

// clampToMax caps a resolved target at maxRunningBots, the configured ceiling
// on how many bots this model may run at once. A manual override is clamped
// too: MaxRunningBots is a hard cap, not a default that UpdateAgentsCount can
// override.
func (s *Scheduler) clampToMax(n int) int {
	if s.maxRunningBots > 0 && n > s.maxRunningBots {
		return s.maxRunningBots
	}
	return n
}

// spawn constructs `count` new bots on a bounded concurrency group
// (default 16 parallel) to avoid thundering-herd script starts.
func (s *Scheduler) spawn(ctx context.Context, count int) {
	sem := make(chan struct{}, s.spawnConcurrency)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		s.mu.Lock()
		internalID := s.nextInternalID
		s.nextInternalID++
		s.mu.Unlock()

		globalID := (uint64(s.agentID) << 32) | internalID

		wg.Add(1)
		sem <- struct{}{}
		go func(internalID, globalID uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			s.spawnOne(ctx, internalID, globalID)
		}(internalID, globalID)
	}

	wg.Wait()
}

func (s *Scheduler) spawnOne(ctx context.Context, internalID, globalID uint64) {
	identity := botruntime.Identity{
		BotID:      uint32(internalID),
		InternalID: internalID,
		GlobalID:   globalID,
	}

	handle, err := s.host.Instantiate(ctx, identity)
	if err != nil {
		// Construction failures decrement the target locally; next tick
		// retries.
		if s.log != nil {
			s.log.Warn("bot construction failed, will retry next tick", map[string]interface{}{
				"model": s.ModelName, "error": err.Error(),
			})
		}
		return
	}

	actions, err := s.host.Register(ctx, handle)
	if err != nil {
		s.host.Destroy(handle)
		if s.log != nil {
			s.log.Warn("bot registration failed, will retry next tick", map[string]interface{}{
				"model": s.ModelName, "error": err.Error(),
			})
		}
		return
	}

	b := &bot{
		identity:   identity,
		handle:     handle,
		actions:    actions,
		lifecycle:  Lifecycle{Kind: Running},
		nextFireAt: time.Now().Add(actions.TickInterval),
		busy:       make(chan struct{}, 1),
		spawnedAt:  internalID,
	}

	// EnterState(Running) actions are awaited synchronously before the bot
	// is observable in its new state.
	s.runEnterState(ctx, b, Lifecycle{Kind: Running}.StateID())

	s.mu.Lock()
	s.bots[internalID] = b
	s.stateCounts[b.lifecycle.StateID()]++
	s.mu.Unlock()
}

// shrink selects the oldest `count` Running bots, transitions them to
// Stopping, waits up to the grace window for any in-flight callback, then
// destroys them.
func (s *Scheduler) shrink(ctx context.Context, count int) {
	s.mu.Lock()
	candidates := make([]*bot, 0, len(s.bots))
	for _, b := range s.bots {
		if b.lifecycle.Kind == Running {
			candidates = append(candidates, b)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].spawnedAt < candidates[j].spawnedAt })
	if count > len(candidates) {
		count = len(candidates)
	}
	victims := candidates[:count]
	for _, b := range victims {
		s.stateCounts[b.lifecycle.StateID()]--
		b.lifecycle = Lifecycle{Kind: Stopping}
		s.stateCounts[b.lifecycle.StateID()]++
	}
	s.mu.Unlock()

	grace := time.Duration(0)
	if len(victims) > 0 {
		grace = time.Duration(s.stopGraceMultiplier) * victims[0].actions.TickInterval
		if grace <= 0 {
			grace = time.Duration(s.stopGraceMultiplier) * s.defaultTick
		}
	}

	var wg sync.WaitGroup
	for _, b := range victims {
		wg.Add(1)
		go func(b *bot) {
			defer wg.Done()
			s.awaitIdleThenDestroy(ctx, b, grace)
		}(b)
	}
	wg.Wait()
}

func (s *Scheduler) awaitIdleThenDestroy(ctx context.Context, b *bot, grace time.Duration) {
	select {
	case b.busy <- struct{}{}:
		<-b.busy
	case <-time.After(grace):
		// Grace window elapsed; destroy regardless.
	}

	s.host.Destroy(b.handle)

	s.mu.Lock()
	s.stateCounts[b.lifecycle.StateID()]--
	delete(s.bots, b.identity.InternalID)
	s.mu.Unlock()
}

// fireDue chooses one Alive action per Running bot whose deadline has
// elapsed, by weighted sampling, and fires it.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make([]*bot, 0)
	for _, b := range s.bots {
		if b.lifecycle.Kind == Running && !now.Before(b.nextFireAt) {
			due = append(due, b)
		}
	}
	s.mu.Unlock()

	for _, b := range due {
		action, ok := chooseAlive(b.actions.AliveActions(), s.rng)
		interval := b.actions.TickInterval
		if interval <= 0 {
			interval = s.defaultTick
		}
		b.nextFireAt = now.Add(interval)
		if !ok {
			continue
		}

		select {
		case b.busy <- struct{}{}:
		default:
			// Previous callback still in flight; skip this tick rather than
			// invoke concurrently with itself.
			continue
		}

		go func(b *bot, action botruntime.ActionSpec) {
			defer func() { <-b.busy }()
			s.fireOne(ctx, b, action)
		}(b, action)
	}
}

func (s *Scheduler) fireOne(ctx context.Context, b *bot, action botruntime.ActionSpec) {
	sample, err := s.host.Fire(ctx, b.handle, action)
	if err != nil {
		if s.log != nil {
			s.log.Warn("fire failed", map[string]interface{}{
				"model": s.ModelName, "action": action.Name, "error": err.Error(),
			})
		}
		return
	}
	s.store.Record(histogram.Sample{
		Action:    sample.Action,
		Status:    sample.Status,
		ElapsedNs: sample.ElapsedNs,
	})
}

func (s *Scheduler) runEnterState(ctx context.Context, b *bot, stateID uint32) {
	for _, action := range b.actions.EnterStateActions(stateID) {
		sample, err := s.host.Fire(ctx, b.handle, action)
		if err != nil {
			continue
		}
		s.store.Record(histogram.Sample{Action: sample.Action, Status: sample.Status, ElapsedNs: sample.ElapsedNs})
	}
}

// chooseAlive picks one action by weighted sampling, weights >= 0. Actions
// with a zero or negative weight are never sampled, so weights like [1,0,0]
// always choose the first action. When the total weight is zero or negative
// it falls back to the first action.
func chooseAlive(actions []botruntime.ActionSpec, rng *rand.Rand) (botruntime.ActionSpec, bool) {
	if len(actions) == 0 {
		return botruntime.ActionSpec{}, false
	}
	var total float64
	for _, a := range actions {
		if a.Weight > 0 {
			total += a.Weight
		}
	}
	if total <= 0 {
		return actions[0], true
	}
	r := rng.Float64() * total
	var cum float64
	for _, a := range actions {
		if a.Weight <= 0 {
			continue
		}
		cum += a.Weight
		if r < cum {
			return a, true
		}
	}
	return actions[len(actions)-1], true
}

// Shutdown transitions every live bot to Stopping and destroys it within the
// grace window, used by Stop{reset=false} draining.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	all := make([]*bot, 0, len(s.bots))
	for _, b := range s.bots {
		all = append(all, b)
	}
	s.mu.Unlock()
	s.shrink(ctx, len(all))
}
