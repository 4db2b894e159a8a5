// Package diag is the run's diagnostic side channel: a JSONL trace of what
// the agent did and checkpoint screenshots at the moments that matter when a
// run goes wrong. Nothing here feeds back into the automation.
package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"clinicclaim-agent/internal/config"
)

// Event is a single record in the run trace.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Kind      string      `json:"kind"`
	RunID     string      `json:"run_id,omitempty"`
	PatientID string      `json:"patient_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Tracer writes one JSONL file per run, keeping only the newest few.
type Tracer struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	dir     string
	keep    int
	runID   string
}

func NewTracer(cfg config.DiagConfig) (*Tracer, error) {
	dir := cfg.TraceDir
	if dir == "" {
		dir = "data/traces"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Tracer{dir: dir, keep: cfg.KeepTraces()}, nil
}

// Start opens the trace file for a run, dropping the oldest traces to stay
// within the keep count.
func (t *Tracer) Start(runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}

	if err := t.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	path := filepath.Join(t.dir, fmt.Sprintf("run_%s_%d.jsonl", runID, time.Now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	t.file = f
	t.encoder = json.NewEncoder(f)
	t.runID = runID
	return nil
}

// Record appends one event. Safe to call before Start; it is then a no-op.
func (t *Tracer) Record(kind, patientID string, data interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.encoder == nil {
		return
	}

	_ = t.encoder.Encode(Event{
		Timestamp: time.Now(),
		Kind:      kind,
		RunID:     t.runID,
		PatientID: patientID,
		Data:      data,
	})
}

func (t *Tracer) rotate() error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return err
	}

	var traces []struct {
		Name string
		Time time.Time
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].Time.After(traces[j].Time)
	})

	if len(traces) >= t.keep {
		keep := t.keep - 1
		if keep < 0 {
			keep = 0
		}
		for i := keep; i < len(traces); i++ {
			_ = os.Remove(filepath.Join(t.dir, traces[i].Name))
		}
	}
	return nil
}

func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		err := t.file.Close()
		t.file = nil
		t.encoder = nil
		return err
	}
	return nil
}
