package transport

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dghilardi/hailstorm/internal/logger"
	"github.com/dghilardi/hailstorm/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Child is one connected descendant agent, registered once its first
// AgentMessage reveals its agent id: a child is identified by the agent_id
// carried on its first update, not by connection order.
type Child struct {
	AgentID uint32
	conn    *conn
}

// SendCommand pushes a ControllerCommand to this child. There is no
// buffering: if the child has disconnected by the time
// this is called, the write fails and the caller drops the command.
func (c *Child) SendCommand(cmd wire.ControllerCommand) error {
	return c.conn.writeControllerCommand(cmd)
}

// DownstreamServer accepts websocket connections from child agents. Each
// accepted connection is handed to OnMessage as updates arrive and
// registered with OnChildHello once its agent id is known.
type DownstreamServer struct {
	Log logger.Logger

	// OnChildHello is called once per connection, the first time an
	// AgentMessage with a non-empty Updates slice identifies the child.
	OnChildHello func(child *Child)
	// OnMessage is called for every AgentMessage received from any child
	// (including the hello), so the router can fan it upstream.
	OnMessage func(agentID uint32, msg wire.AgentMessage)
	// OnDisconnect is called once the child's connection drops.
	OnDisconnect func(agentID uint32)

	mu       sync.Mutex
	children map[uint32]*Child
}

// NewDownstreamServer builds an empty server ready to be registered as an
// http.Handler.
func NewDownstreamServer(log logger.Logger) *DownstreamServer {
	return &DownstreamServer{Log: log, children: make(map[uint32]*Child)}
}

// ServeHTTP upgrades the connection and serves one child until it disconnects.
func (s *DownstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.Log != nil {
			s.Log.Warn("downstream upgrade failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	c := newConn(ws)
	defer c.close()

	var agentID uint32
	var registered bool
	defer func() {
		if registered {
			s.mu.Lock()
			delete(s.children, agentID)
			s.mu.Unlock()
			if s.OnDisconnect != nil {
				s.OnDisconnect(agentID)
			}
		}
	}()

	for {
		msg, err := c.readAgentMessage()
		if err != nil {
			return
		}

		if !registered && len(msg.Updates) > 0 {
			agentID = msg.Updates[0].AgentID
			registered = true
			child := &Child{AgentID: agentID, conn: c}
			s.mu.Lock()
			s.children[agentID] = child
			s.mu.Unlock()
			if s.OnChildHello != nil {
				s.OnChildHello(child)
			}
		}

		if s.OnMessage != nil && registered {
			s.OnMessage(agentID, msg)
		}
	}
}

// Child returns the currently connected child for agentID, if any.
func (s *DownstreamServer) Child(agentID uint32) (*Child, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[agentID]
	return c, ok
}

// AllChildren returns every currently connected child.
func (s *DownstreamServer) AllChildren() []*Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Child, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	return out
}

// Broadcast sends cmd to every currently connected child whose agent id
// matches cmd.Target.
func (s *DownstreamServer) Broadcast(cmd wire.ControllerCommand) {
	s.mu.Lock()
	targets := make([]*Child, 0, len(s.children))
	for id, c := range s.children {
		if cmd.Target.Matches(id) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.SendCommand(cmd); err != nil && s.Log != nil {
			s.Log.Warn("command delivery failed", map[string]interface{}{"agent_id": c.AgentID, "error": err.Error()})
		}
	}
}
