package indexer

import (
	"testing"
	"time"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

func TestStatsFlattenRoundTrip(t *testing.T) {
	in := Stats{
		Pages:              12,
		RecordsExtracted:   11000,
		RecordsWritten:     10990,
		ExtractionFailures: 10,
		SearchFailures:     2,
		WriteFailures:      1,
		SearchTime:         1500 * time.Millisecond,
		IndexTime:          3*time.Second + 7,
		Runs:               3,
		LastOutcome:        OutcomeFailed,
		FatalError:         "retries exhausted: boom",
	}
	out, err := UnflattenStats(in.Flatten())
	if err != nil {
		t.Fatalf("UnflattenStats failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	if _, err := UnflattenStats(map[string]string{"pages": "many"}); err == nil {
		t.Error("UnflattenStats accepted a non-numeric counter")
	}
}

func TestPersistedFlattenRoundTrip(t *testing.T) {
	in := Persisted{
		Checkpoint: checkpoint.MustNew(
			checkpoint.Part{Name: "day", Value: value.Time(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))},
			checkpoint.Part{Name: "tier", Value: value.String("GLACIER")},
			checkpoint.Part{Name: "size_bucket", Value: value.Float(1024)},
		),
		Stats: Stats{Pages: 7, LastOutcome: OutcomeCompleted},
	}
	flat, err := in.Flatten()
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if _, ok := flat["stats.pages"]; !ok {
		t.Errorf("flat mapping missing stats.pages: %v", flat)
	}

	out, err := UnflattenPersisted(flat)
	if err != nil {
		t.Fatalf("UnflattenPersisted failed: %v", err)
	}
	if !out.Checkpoint.Equal(in.Checkpoint) {
		t.Errorf("checkpoint = %s, want %s", out.Checkpoint, in.Checkpoint)
	}
	if out.Stats != in.Stats {
		t.Errorf("stats = %+v, want %+v", out.Stats, in.Stats)
	}

	flat["bogus"] = "1"
	if _, err := UnflattenPersisted(flat); err == nil {
		t.Error("UnflattenPersisted accepted an unknown field")
	}
}

func TestPersistedEmptyCheckpoint(t *testing.T) {
	flat, err := Persisted{}.Flatten()
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	out, err := UnflattenPersisted(flat)
	if err != nil {
		t.Fatalf("UnflattenPersisted failed: %v", err)
	}
	if !out.Checkpoint.IsEmpty() {
		t.Errorf("checkpoint = %s, want empty", out.Checkpoint)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Stopped: "STOPPED", Started: "STARTED", Indexing: "INDEXING",
		Stopping: "STOPPING", Aborting: "ABORTING", State(9): "State(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}
