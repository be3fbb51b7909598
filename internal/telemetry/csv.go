package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/dghilardi/hailstorm/internal/histogram"
)

// CSVWriter appends drained histogram snapshots to a CSV sink, the only
// form of persisted state kept beyond the in-memory ring: one row per
// (model, action, status) per drain, with bucket counts flattened into a
// single column for readability (no reader ever needs to round-trip this
// file back into the running process).
type CSVWriter struct {
	w         *csv.Writer
	wroteHead bool
}

// NewCSVWriter wraps dst; the header row is written lazily so a writer that
// never records anything produces an empty file rather than a header-only one.
func NewCSVWriter(dst io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(dst)}
}

// WriteDrain appends one row per snapshot for model at timestamp ts. An empty
// drain writes nothing, not even the header.
func (c *CSVWriter) WriteDrain(ts time.Time, model string, snaps []histogram.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if !c.wroteHead {
		if err := c.w.Write([]string{"timestamp", "model", "action", "status", "sample_count", "sum_ns", "buckets"}); err != nil {
			return err
		}
		c.wroteHead = true
	}

	for _, s := range snaps {
		var count uint64
		for _, b := range s.Buckets {
			count += b
		}
		row := []string{
			ts.UTC().Format(time.RFC3339Nano),
			model,
			s.Action,
			fmt.Sprintf("%d", s.Status),
			fmt.Sprintf("%d", count),
			fmt.Sprintf("%d", s.Sum),
			formatBuckets(s.Buckets),
		}
		if err := c.w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes any buffered rows to the underlying writer.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

func formatBuckets(buckets []uint64) string {
	out := make([]byte, 0, len(buckets)*4)
	for i, b := range buckets {
		if i > 0 {
			out = append(out, '|')
		}
		out = fmt.Appendf(out, "%d", b)
	}
	return string(out)
}
