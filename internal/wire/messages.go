// Package wire defines the framed messages exchanged on the agent-tree
// streaming RPC and a length-prefixed codec for them. The underlying
// transport (gorilla/websocket connection) and any code generator are a
// separate concern — this package is the hand-rolled wire codec component
// that sits on top of whatever transport internal/transport opens.
package wire

import "time"

// AgentState mirrors the agent state machine in internal/agentcore.
type AgentState int

const (
	StateIdle AgentState = iota
	StateReady
	StateWaiting
	StateRunning
	StateStopping
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReady:
		return "Ready"
	case StateWaiting:
		return "Waiting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// PerformanceHistogram is the wire form of a drained histogram for one
// (action, status) pair.
type PerformanceHistogram struct {
	Status  int64
	Buckets []uint64
	Sum     uint64
}

// PerformanceSnapshot bundles every status' histogram for one action, drained
// at Timestamp.
type PerformanceSnapshot struct {
	Timestamp   time.Time
	Action      string
	Histograms  []PerformanceHistogram
}

// ModelStateCount is one state's live-bot count at a snapshot instant.
type ModelStateCount struct {
	StateID uint32
	Count   uint32
}

// ModelStateSnapshot is a model's bot-state histogram at one instant.
type ModelStateSnapshot struct {
	Timestamp time.Time
	States    []ModelStateCount
}

// ModelStats bundles one model's state and performance snapshots for a
// single AgentUpdate.
type ModelStats struct {
	Model       string
	States      []ModelStateSnapshot
	Performance []PerformanceSnapshot
}

// AgentUpdate is the periodic upward message.
type AgentUpdate struct {
	AgentID      uint32
	Stats        []ModelStats
	UpdateID     uint64
	Timestamp    time.Time
	Name         string
	State        AgentState
	SimulationID string
}

// AgentMessage is the envelope an agent sends upstream; it carries the
// agent's own latest update plus whatever it is currently relaying from
// descendants, per the router's fan-in.
type AgentMessage struct {
	Updates []AgentUpdate
}

// TargetKind selects which agents a ControllerCommand applies to.
type TargetKind int

const (
	TargetAll TargetKind = iota
	TargetAgentID
	TargetAgentList
)

// Target identifies the recipients of a ControllerCommand.
type Target struct {
	Kind     TargetKind
	AgentID  uint32
	AgentIDs []uint32
}

func TargetALL() Target                    { return Target{Kind: TargetAll} }
func TargetOne(id uint32) Target           { return Target{Kind: TargetAgentID, AgentID: id} }
func TargetMany(ids []uint32) Target       { return Target{Kind: TargetAgentList, AgentIDs: ids} }

// Matches reports whether the target selects the given local agent id.
func (t Target) Matches(agentID uint32) bool {
	switch t.Kind {
	case TargetAll:
		return true
	case TargetAgentID:
		return t.AgentID == agentID
	case TargetAgentList:
		for _, id := range t.AgentIDs {
			if id == agentID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ClientsEvolutionEntry binds one model's shape expression for a LoadSim command.
type ClientsEvolutionEntry struct {
	Model string
	Shape string
}

// CommandKind discriminates the CommandItem union.
type CommandKind int

const (
	CommandLoadSim CommandKind = iota
	CommandLaunch
	CommandUpdateAgentsCount
	CommandStop
)

// CommandItem is one downward instruction; only the field matching Kind is
// meaningful, a tagged union flattened onto one wire struct.
type CommandItem struct {
	Kind CommandKind

	// CommandLoadSim
	ClientsEvolution []ClientsEvolutionEntry
	Script           string
	SimulationID     string // optional: controller-supplied; hashed from payload if empty

	// CommandLaunch
	StartTS time.Time

	// CommandUpdateAgentsCount
	N uint32

	// CommandStop
	Reset bool
}

// ControllerCommand is the downward message.
type ControllerCommand struct {
	Target   Target
	Commands []CommandItem
}
