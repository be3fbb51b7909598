package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// ProductionLogger writes either newline-delimited JSON or a human-readable
// line per event, gated by a minimum Level. Fields accumulate across
// chained With calls rather than being passed fresh at every call site.
type ProductionLogger struct {
	level  Level
	format string // "json" or "text"
	output io.Writer
	fields map[string]interface{}
}

// New builds a ProductionLogger writing to stdout.
func New(levelStr, format string) *ProductionLogger {
	return &ProductionLogger{
		level:  ParseLevel(levelStr),
		format: format,
		output: os.Stdout,
		fields: map[string]interface{}{},
	}
}

func (l *ProductionLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &ProductionLogger{level: l.level, format: l.format, output: l.output, fields: merged}
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if l.level <= DebugLevel {
		l.emit("DEBUG", msg, fields)
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	if l.level <= InfoLevel {
		l.emit("INFO", msg, fields)
	}
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	if l.level <= WarnLevel {
		l.emit("WARN", msg, fields)
	}
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if l.level <= ErrorLevel {
		l.emit("ERROR", msg, fields)
	}
}

func (l *ProductionLogger) emit(level, msg string, fields map[string]interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	if l.format == "json" {
		entry := map[string]interface{}{"ts": ts, "level": level, "msg": msg}
		for k, v := range l.fields {
			entry[k] = v
		}
		for k, v := range fields {
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	all := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var kv string
	for _, k := range keys {
		kv += fmt.Sprintf(" %s=%v", k, all[k])
	}
	fmt.Fprintf(l.output, "%s [%s]%s %s\n", ts, level, kv, msg)
}
