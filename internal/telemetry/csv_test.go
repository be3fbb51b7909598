package telemetry

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dghilardi/hailstorm/internal/histogram"
)

func TestCSVWriterWritesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)

	snaps := []histogram.Snapshot{
		{Action: "login", Status: 0, Buckets: []uint64{1, 2, 0}, Sum: 300},
	}
	require.NoError(t, w.WriteDrain(time.Unix(0, 0), "m1", snaps))
	require.NoError(t, w.Flush())

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "timestamp")
	require.Contains(t, lines[1], "m1")
	require.Contains(t, lines[1], "login")
}

func TestCSVWriterEmptyDrainWritesNoRows(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)
	require.NoError(t, w.WriteDrain(time.Unix(0, 0), "m1", nil))
	require.NoError(t, w.Flush())
	require.Empty(t, buf.String())
}
