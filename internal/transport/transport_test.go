package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dghilardi/hailstorm/internal/wire"
)

func TestUpstreamClientHandshakeAndFanOut(t *testing.T) {
	srv := NewDownstreamServer(nil)

	var mu sync.Mutex
	var received []wire.AgentMessage
	helloCh := make(chan uint32, 1)

	srv.OnChildHello = func(child *Child) { helloCh <- child.AgentID }
	srv.OnMessage = func(agentID uint32, msg wire.AgentMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}

	ts := httptest.NewServer(srv)
	defer ts.Close()

	outbound := make(chan wire.AgentMessage, 4)
	address := strings.TrimPrefix(ts.URL, "http://")
	client := NewUpstreamClient(address, outbound, nil)
	client.Hello = func() wire.AgentMessage {
		return wire.AgentMessage{Updates: []wire.AgentUpdate{{AgentID: 42, UpdateID: 1}}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case id := <-helloCh:
		require.Equal(t, uint32(42), id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hello registration")
	}

	outbound <- wire.AgentMessage{Updates: []wire.AgentUpdate{{AgentID: 42, UpdateID: 2}}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastDeliversToMatchingChild(t *testing.T) {
	srv := NewDownstreamServer(nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	outbound := make(chan wire.AgentMessage, 1)
	address := strings.TrimPrefix(ts.URL, "http://")
	client := NewUpstreamClient(address, outbound, nil)

	received := make(chan wire.ControllerCommand, 1)
	client.Commands = func(ctx context.Context, cmd wire.ControllerCommand) { received <- cmd }
	client.Hello = func() wire.AgentMessage {
		return wire.AgentMessage{Updates: []wire.AgentUpdate{{AgentID: 7, UpdateID: 1}}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := srv.Child(7)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	srv.Broadcast(wire.ControllerCommand{
		Target:   wire.TargetOne(7),
		Commands: []wire.CommandItem{{Kind: wire.CommandLaunch}},
	})

	select {
	case cmd := <-received:
		require.Equal(t, wire.CommandLaunch, cmd.Commands[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command delivery")
	}
}
