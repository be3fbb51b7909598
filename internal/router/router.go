// Package router implements the message router: it fans a
// child's AgentMessage together with the agent's own update into a single
// upstream message, and fans a downward ControllerCommand out to whichever
// children (and the local agent) its Target selects. A bounded ring
// deduplicates (agent_id, update_id) pairs so a message that is relayed
// twice — e.g. after a reconnect replays an unacknowledged frame — is only
// forwarded once.
package router

import (
	"sync"

	"github.com/dghilardi/hailstorm/internal/logger"
	"github.com/dghilardi/hailstorm/internal/wire"
)

// dedupRingSize is K in the bounded ring of the last K (agent_id,
// update_id) pairs seen.
const dedupRingSize = 1024

type dedupKey struct {
	agentID  uint32
	updateID uint64
}

// dedupRing is a fixed-capacity set, oldest entry evicted on overflow,
// membership checked before insertion.
type dedupRing struct {
	mu     sync.Mutex
	seen   map[dedupKey]struct{}
	order  []dedupKey
	at     int
	filled int
}

func newDedupRing(size int) *dedupRing {
	return &dedupRing{seen: make(map[dedupKey]struct{}, size), order: make([]dedupKey, size)}
}

// seenOrRecord reports whether (agentID, updateID) was already recorded; if
// not, it records it, evicting the oldest entry if the ring is full.
func (r *dedupRing) seenOrRecord(agentID uint32, updateID uint64) bool {
	k := dedupKey{agentID: agentID, updateID: updateID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[k]; ok {
		return true
	}

	if r.filled == len(r.order) {
		delete(r.seen, r.order[r.at])
	} else {
		r.filled++
	}
	r.order[r.at] = k
	r.at = (r.at + 1) % len(r.order)
	r.seen[k] = struct{}{}
	return false
}

// Router owns the dedup state for one agent's fan-in/fan-out.
type Router struct {
	agentID uint32
	log     logger.Logger
	ring    *dedupRing
}

// New builds a Router for the agent identified by agentID.
func New(agentID uint32, log logger.Logger) *Router {
	return &Router{agentID: agentID, log: log, ring: newDedupRing(dedupRingSize)}
}

// FanIn merges this agent's own update with every update carried by
// messages relayed from children, dropping updates this router has already
// forwarded. own may be nil when the agent itself
// has nothing new to report this period.
func (r *Router) FanIn(own *wire.AgentUpdate, fromChildren []wire.AgentMessage) wire.AgentMessage {
	out := wire.AgentMessage{}

	if own != nil && !r.ring.seenOrRecord(own.AgentID, own.UpdateID) {
		out.Updates = append(out.Updates, *own)
	}

	for _, msg := range fromChildren {
		for _, upd := range msg.Updates {
			if r.ring.seenOrRecord(upd.AgentID, upd.UpdateID) {
				continue
			}
			out.Updates = append(out.Updates, upd)
		}
	}

	return out
}

// ChildSink delivers a ControllerCommand to one connected child; it mirrors
// transport.Child.SendCommand without importing the transport package, so
// router stays free of any websocket dependency.
type ChildSink interface {
	SendCommand(cmd wire.ControllerCommand) error
}

// FanOut applies cmd locally when its Target matches this agent, and
// forwards it unconditionally to every child. Each child re-applies
// Target.Matches against its own id, so the command travels through the
// whole subtree and is applied only by the agents its Target selects.
func (r *Router) FanOut(cmd wire.ControllerCommand, applyLocal func(wire.ControllerCommand), children []ChildSink) {
	if cmd.Target.Matches(r.agentID) && applyLocal != nil {
		applyLocal(cmd)
	}
	for _, c := range children {
		if err := c.SendCommand(cmd); err != nil && r.log != nil {
			r.log.Warn("command fan-out to child failed", map[string]interface{}{"error": err.Error()})
		}
	}
}
