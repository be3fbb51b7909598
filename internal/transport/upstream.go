package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/dghilardi/hailstorm/internal/herrors"
	"github.com/dghilardi/hailstorm/internal/logger"
	"github.com/dghilardi/hailstorm/internal/resilience"
	"github.com/dghilardi/hailstorm/internal/wire"
)

// UpstreamClient dials one parent and keeps the connection alive, applying
// received ControllerCommands and pushing AgentMessages produced by the
// router. Reconnects use internal/resilience's backoff and push
// a fresh "hello" resync — the agent's full current state — on every
// (re)connect, not just the first one, so a parent that lost history from a
// prior disconnect is never left with a stale view.
type UpstreamClient struct {
	Address string
	Log     logger.Logger

	// Hello returns the snapshot to push immediately after every successful
	// (re)connect.
	Hello func() wire.AgentMessage
	// Commands is called for every ControllerCommand received from the parent.
	Commands func(ctx context.Context, cmd wire.ControllerCommand)
	// Outbound is read continuously and forwarded to the parent as they arrive.
	Outbound <-chan wire.AgentMessage

	backoff *resilience.Backoff
}

// NewUpstreamClient builds a client for one parent address.
func NewUpstreamClient(address string, outbound <-chan wire.AgentMessage, log logger.Logger) *UpstreamClient {
	return &UpstreamClient{
		Address:  address,
		Log:      log,
		Outbound: outbound,
		backoff:  resilience.NewBackoff(),
	}
}

// Run dials, serves, and reconnects until ctx is cancelled.
func (u *UpstreamClient) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := u.runOnce(ctx); err != nil {
			if u.Log != nil {
				u.Log.Warn("upstream connection lost", map[string]interface{}{
					"address": u.Address, "error": err.Error(),
				})
			}
			if sleepErr := u.backoff.Sleep(ctx); sleepErr != nil {
				return
			}
			continue
		}
		u.backoff.Reset()
	}
}

func (u *UpstreamClient) runOnce(ctx context.Context) error {
	endpoint := url.URL{Scheme: "ws", Host: u.Address, Path: "/hailstorm/v1/stream"}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return herrors.New("UpstreamClient.runOnce", herrors.KindTransport, fmt.Errorf("dial %s: %w", u.Address, err))
	}
	c := newConn(ws)
	defer c.close()

	if u.Hello != nil {
		if err := c.writeAgentMessage(u.Hello()); err != nil {
			return err
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- u.readLoop(childCtx, c) }()
	go func() { errCh <- u.writeLoop(childCtx, c) }()
	go func() { keepAlivePing(childCtx, c); errCh <- nil }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (u *UpstreamClient) readLoop(ctx context.Context, c *conn) error {
	for {
		cmd, err := c.readControllerCommand()
		if err != nil {
			return err
		}
		if u.Commands != nil {
			u.Commands(ctx, cmd)
		}
	}
}

func (u *UpstreamClient) writeLoop(ctx context.Context, c *conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-u.Outbound:
			if !ok {
				return nil
			}
			if err := c.writeAgentMessage(msg); err != nil {
				return err
			}
		}
	}
}
