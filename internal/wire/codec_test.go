package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripAgentMessage(t *testing.T) {
	msg := AgentMessage{Updates: []AgentUpdate{{
		AgentID:      7,
		UpdateID:     42,
		Timestamp:    time.Unix(100, 0).UTC(),
		Name:         "agent-7",
		State:        StateRunning,
		SimulationID: "sim-1",
		Stats: []ModelStats{{
			Model: "checkout",
			States: []ModelStateSnapshot{{
				Timestamp: time.Unix(100, 0).UTC(),
				States:    []ModelStateCount{{StateID: 1, Count: 3}},
			}},
			Performance: []PerformanceSnapshot{{
				Timestamp: time.Unix(100, 0).UTC(),
				Action:    "login",
				Histograms: []PerformanceHistogram{{
					Status:  0,
					Buckets: []uint64{1, 2, 3},
					Sum:     600,
				}},
			}},
		}},
	}}}

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).EncodeAgentMessage(msg))

	got, err := NewDecoder(&buf).DecodeAgentMessage()
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestCodecRoundTripControllerCommand(t *testing.T) {
	cmd := ControllerCommand{
		Target: TargetMany([]uint32{1, 2, 3}),
		Commands: []CommandItem{
			{Kind: CommandLoadSim, Script: "bots.lua", ClientsEvolution: []ClientsEvolutionEntry{
				{Model: "checkout", Shape: "10*rect(t/120)"},
			}},
			{Kind: CommandLaunch, StartTS: time.Unix(200, 0).UTC()},
			{Kind: CommandStop, Reset: true},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).EncodeControllerCommand(cmd))

	got, err := NewDecoder(&buf).DecodeControllerCommand()
	require.NoError(t, err)
	require.Equal(t, cmd, got)
}

func TestTargetMatches(t *testing.T) {
	require.True(t, TargetALL().Matches(5))
	require.True(t, TargetOne(5).Matches(5))
	require.False(t, TargetOne(5).Matches(6))
	require.True(t, TargetMany([]uint32{1, 5, 9}).Matches(5))
	require.False(t, TargetMany([]uint32{1, 9}).Matches(5))
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var big [4]byte
	big[0] = 0xff // length prefix far exceeding maxFrameBytes
	buf.Write(big[:])
	_, err := NewDecoder(&buf).DecodeAgentMessage()
	require.Error(t, err)
}
