package diag

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clinicclaim-agent/internal/config"

	"github.com/rs/zerolog"
)

func tracerConfig(dir string) config.DiagConfig {
	return config.DiagConfig{TraceDir: dir, MaxTraces: 3}
}

func TestTracerRotation(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracer(tracerConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	for i := 0; i < 5; i++ {
		if err := tr.Start("run"); err != nil {
			t.Fatal(err)
		}
		tr.Record("patient_start", "S1234567A", nil)
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("trace files = %d, want 3", len(entries))
	}
}

func TestTracerRecordsEvents(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracer(tracerConfig(dir))
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Start("run-42"); err != nil {
		t.Fatal(err)
	}
	tr.Record("dialog", "S1234567A", map[string]string{"message": "Member Not Found"})
	tr.Record("draft_saved", "S1234567A", nil)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("trace files = %d, want 1", len(entries))
	}

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != "dialog" || events[0].RunID != "run-42" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[0].PatientID != "S1234567A" {
		t.Errorf("patient id = %q", events[0].PatientID)
	}
}

func TestTracerRecordBeforeStartIsNoOp(t *testing.T) {
	tr, err := NewTracer(tracerConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	// Must not panic or create files.
	tr.Record("dialog", "S1234567A", nil)
}

func TestCheckpointerCapture(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DiagConfig{ScreenshotDir: dir}
	shot := func() ([]byte, error) { return []byte("png-bytes"), nil }

	c := NewCheckpointer(cfg, shot, zerolog.Nop())
	path := c.Capture(CheckpointLoginFailed, "S1234567A")
	if path == "" {
		t.Fatal("Capture() returned no path")
	}
	if !strings.HasPrefix(filepath.Base(path), "login_failed_S1234567A_") {
		t.Errorf("unexpected screenshot name %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("screenshot content = %q", data)
	}
}

func TestCheckpointerDisabled(t *testing.T) {
	off := false
	cfg := config.DiagConfig{ScreenshotDir: t.TempDir(), Screenshots: &off}
	c := NewCheckpointer(cfg, func() ([]byte, error) { return nil, nil }, zerolog.Nop())

	if path := c.Capture(CheckpointDialog, "S1234567A"); path != "" {
		t.Errorf("Capture() = %q, want empty when disabled", path)
	}
}

func TestCheckpointerShotFailureIsSilent(t *testing.T) {
	cfg := config.DiagConfig{ScreenshotDir: t.TempDir()}
	c := NewCheckpointer(cfg, func() ([]byte, error) { return nil, errors.New("no page") }, zerolog.Nop())

	if path := c.Capture(CheckpointFormNotFound, "S1234567A"); path != "" {
		t.Errorf("Capture() = %q, want empty on capture failure", path)
	}
}
