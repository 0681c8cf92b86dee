package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCompletionEvent_BasicFields(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	SetPrettyMode(false)

	PhaseComplete(log, "search", 500*time.Millisecond).
		Str("job_id", "tiers").
		Int("groups", 42).
		Int64("records", 1000000).
		Log("search done")

	output := buf.String()
	for _, want := range []string{
		`"event":"phase_completed"`,
		`"phase":"search"`,
		`"duration_ms":500`,
		`"job_id":"tiers"`,
		`"groups":42`,
		`"records":1000000`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "duration_h") {
		t.Errorf("human fields present outside pretty mode: %s", output)
	}
}

func TestCompletionEvent_HumanCompanions(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	SetPrettyMode(true)
	defer SetPrettyMode(false)

	BatchComplete(log, "ingest", time.Second).
		Bytes("size", 1073741824).
		Count("rows", 1500000).
		Log("batch")

	output := buf.String()
	for _, want := range []string{
		`"size":1073741824`,
		`"size_h":"1.0 GiB"`,
		`"rows":1500000`,
		`"rows_h":"1,500,000"`,
		`"duration_h":"1s"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output, got: %s", want, output)
		}
	}
}

func TestCompletionEvent_ErrAndDuration(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	SetPrettyMode(false)

	PhaseFailed(log, "index", 0).
		Duration("backoff", 250*time.Millisecond).
		Err(errors.New("connection refused")).
		Err(nil).
		LogWarn("index failed")

	output := buf.String()
	for _, want := range []string{
		`"level":"warn"`,
		`"event":"phase_failed"`,
		`"backoff_ms":250`,
		`"error":"connection refused"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output, got: %s", want, output)
		}
	}
}

func TestCompletionEvent_FieldOrder(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	SetPrettyMode(false)

	RunFinished(log, 0).Str("b", "2").Str("a", "1").Log("done")

	output := buf.String()
	if strings.Index(output, `"b"`) > strings.Index(output, `"a"`) {
		t.Errorf("fields not emitted in insertion order: %s", output)
	}
}

func TestProgressTracker_Counts(t *testing.T) {
	var buf bytes.Buffer
	pt := NewProgressTracker("ingest", 10, zerolog.New(&buf))

	pt.RecordCompletion()
	pt.RecordCompletion()
	pt.RecordSkip()

	completed, skipped, total := pt.Progress()
	if completed != 2 || skipped != 1 || total != 10 {
		t.Errorf("Progress() = %d, %d, %d; want 2, 1, 10", completed, skipped, total)
	}
	if pct := pt.ProgressPct(); pct != 30.0 {
		t.Errorf("ProgressPct() = %.1f, want 30", pct)
	}
	if pt.ETA() <= 0 {
		t.Error("ETA() should be positive with work remaining")
	}
}

func TestProgressTracker_ZeroTotal(t *testing.T) {
	pt := NewProgressTracker("ingest", 0, zerolog.Nop())
	if pct := pt.ProgressPct(); pct != 100.0 {
		t.Errorf("ProgressPct() = %.1f, want 100", pct)
	}
	if eta := pt.ETA(); eta != 0 {
		t.Errorf("ETA() = %v, want 0", eta)
	}
}

func TestProgressTracker_Maybe(t *testing.T) {
	var buf bytes.Buffer
	pt := NewProgressTracker("ingest", 4, zerolog.New(&buf))

	pt.RecordCompletion()
	pt.Maybe()
	if buf.Len() != 0 {
		t.Fatalf("Maybe logged before interval: %s", buf.String())
	}

	pt.Every = 0
	pt.Maybe()
	if !strings.Contains(buf.String(), `"completed":1`) {
		t.Errorf("expected progress line, got: %s", buf.String())
	}
}
