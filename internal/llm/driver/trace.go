package driver

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// TraceEntry is one upstream exchange written to the trace log as a single JSON line.
// Request bodies never contain credentials; those travel in headers only.
type TraceEntry struct {
	Timestamp   time.Time       `json:"timestamp"`
	Driver      string          `json:"driver"`
	Endpoint    string          `json:"endpoint"`
	Method      string          `json:"method"`
	Model       string          `json:"model,omitempty"`
	RequestBody json.RawMessage `json:"request_body,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

type tracer struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

var (
	active   *tracer
	activeMu sync.Mutex
)

// EnableTracing appends NDJSON trace entries to the file at path until the
// returned cleanup function is called.
func EnableTracing(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return install(&tracer{w: f, c: f}), nil
}

// TraceTo sends trace entries to w until the returned cleanup function is called.
func TraceTo(w io.Writer) func() {
	return install(&tracer{w: w})
}

func install(t *tracer) func() {
	activeMu.Lock()
	prev := active
	active = t
	activeMu.Unlock()
	prev.close()

	return func() {
		activeMu.Lock()
		if active == t {
			active = nil
		}
		activeMu.Unlock()
		t.close()
	}
}

// IsTracingEnabled returns true if tracing is active.
func IsTracingEnabled() bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active != nil
}

// Trace records an entry when tracing is enabled.
func Trace(entry TraceEntry) {
	activeMu.Lock()
	t := active
	activeMu.Unlock()
	if t == nil {
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w != nil {
		_, _ = t.w.Write(data)
	}
}

func (t *tracer) close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		_ = t.c.Close()
	}
	t.w, t.c = nil, nil
}
