// Package transport implements the two halves of the agent-tree streaming
// connection: an upstream client that dials a parent (or the controller)
// and a downstream server that accepts child agents. Both
// sides speak gorilla/websocket and exchange internal/wire-framed messages
// as single binary frames — websocket already delimits messages, so the
// wire package's length prefix is redundant-but-harmless plumbing reused
// unchanged from whatever transport it sits on.
package transport

import (
	"bytes"
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dghilardi/hailstorm/internal/herrors"
	"github.com/dghilardi/hailstorm/internal/wire"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait / 2
)

// conn serializes reads and writes to one websocket.Conn: gorilla only
// tolerates one concurrent reader and one concurrent writer, so every
// exchange here goes through a one-slot semaphore channel.
type conn struct {
	ws       *websocket.Conn
	readSem  chan struct{}
	writeSem chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{ws: ws, readSem: make(chan struct{}, 1), writeSem: make(chan struct{}, 1)}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return c
}

func (c *conn) writeAgentMessage(msg wire.AgentMessage) error {
	var buf bytes.Buffer
	if err := wire.NewEncoder(&buf).EncodeAgentMessage(msg); err != nil {
		return herrors.New("conn.writeAgentMessage", herrors.KindProtocolViolation, err)
	}
	return c.writeBinary(buf.Bytes())
}

func (c *conn) writeControllerCommand(cmd wire.ControllerCommand) error {
	var buf bytes.Buffer
	if err := wire.NewEncoder(&buf).EncodeControllerCommand(cmd); err != nil {
		return herrors.New("conn.writeControllerCommand", herrors.KindProtocolViolation, err)
	}
	return c.writeBinary(buf.Bytes())
}

func (c *conn) writeBinary(body []byte) error {
	c.writeSem <- struct{}{}
	defer func() { <-c.writeSem }()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, body)
}

func (c *conn) ping() error {
	c.writeSem <- struct{}{}
	defer func() { <-c.writeSem }()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *conn) readAgentMessage() (wire.AgentMessage, error) {
	body, err := c.readBinary()
	if err != nil {
		return wire.AgentMessage{}, err
	}
	return wire.NewDecoder(bytes.NewReader(body)).DecodeAgentMessage()
}

func (c *conn) readControllerCommand() (wire.ControllerCommand, error) {
	body, err := c.readBinary()
	if err != nil {
		return wire.ControllerCommand{}, err
	}
	return wire.NewDecoder(bytes.NewReader(body)).DecodeControllerCommand()
}

func (c *conn) readBinary() ([]byte, error) {
	c.readSem <- struct{}{}
	defer func() { <-c.readSem }()

	_, body, err := c.ws.ReadMessage()
	if err != nil {
		return nil, herrors.New("conn.readBinary", herrors.KindTransport, err)
	}
	return body, nil
}

func (c *conn) close() {
	c.writeSem <- struct{}{}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.ws.Close()
}

// keepAlivePing sends a ping every pingPeriod until ctx is cancelled, so an
// idle connection is still detected as dead within pongWait — liveness is
// implicit in the reconnect-on-error contract, not a separate heartbeat
// message.
func keepAlivePing(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
