// Package botruntime hides the embedded scripting host behind a small
// capability interface (instantiate/register/fire) so alternative hosts can
// be plugged in behind Host. The scripting runtime itself is an external
// collaborator; this package only sketches its interface plus one concrete
// default built on github.com/yuin/gopher-lua.
package botruntime

import (
	"context"
	"time"
)

// Identity is the triple of ids a bot is constructed with.
type Identity struct {
	BotID      uint32
	InternalID uint64
	GlobalID   uint64
}

// Trigger discriminates an action's firing condition.
type Trigger int

const (
	// TriggerAlive fires on the model tick while the bot is Running, chosen
	// by weighted sampling among all Alive actions.
	TriggerAlive Trigger = iota
	// TriggerEnterState fires once, synchronously, on transition into State.
	TriggerEnterState
)

// ActionSpec is one (trigger, weight, callback) registration.
type ActionSpec struct {
	Name    string
	Trigger Trigger
	State   uint32 // meaningful only when Trigger == TriggerEnterState
	Weight  float64
	handle  interface{} // host-specific callback reference, opaque to callers
}

// ActionSet is what Register returns: every action the bot registered plus
// its tick interval.
type ActionSet struct {
	Actions      []ActionSpec
	TickInterval time.Duration
}

// AliveActions returns only the weighted Alive-triggered actions.
func (a ActionSet) AliveActions() []ActionSpec {
	out := make([]ActionSpec, 0, len(a.Actions))
	for _, act := range a.Actions {
		if act.Trigger == TriggerAlive {
			out = append(out, act)
		}
	}
	return out
}

// EnterStateActions returns the actions registered for entering state s.
func (a ActionSet) EnterStateActions(s uint32) []ActionSpec {
	out := make([]ActionSpec, 0)
	for _, act := range a.Actions {
		if act.Trigger == TriggerEnterState && act.State == s {
			out = append(out, act)
		}
	}
	return out
}

// Sample is one performance observation produced by Fire.
type Sample struct {
	Action    string
	Status    int64
	ElapsedNs int64
}

// Handle is an opaque reference to one instantiated bot on its host; it is
// never shared across goroutines, pinned to the bot's own scripting state.
type Handle interface{}

// Host is the capability interface one scripting backend implements:
// instantiate a bot, register its actions, and fire one action, measuring
// wall-clock duration.
type Host interface {
	Instantiate(ctx context.Context, id Identity) (Handle, error)
	Register(ctx context.Context, h Handle) (ActionSet, error)
	Fire(ctx context.Context, h Handle, action ActionSpec) (Sample, error)
	Destroy(h Handle)
}
