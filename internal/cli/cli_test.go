package cli

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

const testInventory = `"logs","a/1.log","100","2024-05-01T10:00:00.000Z","STANDARD",""
"logs","a/2.log","200","2024-05-01T11:00:00.000Z","STANDARD",""
"logs","b/old.tar","5000","2023-01-01T00:00:00.000Z","GLACIER",""
`

const testJobs = `
jobs:
  - id: tiers
    destination: tiers
    page_size: 1
    group_by:
      - name: tier
        field: tier
    aggregations:
      - name: objects
        kind: count
      - name: bytes
        kind: sum
        field: size
`

type testEnv struct {
	dir  string
	db   string
	jobs string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		dir:  dir,
		db:   filepath.Join(dir, "pivot.db"),
		jobs: filepath.Join(dir, "jobs.yaml"),
	}
	if err := os.WriteFile(env.jobs, []byte(testJobs), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--db", e.db, "--jobs", e.jobs}, args...)
	err := execute(context.Background(), full, &out, io.Discard)
	return out.String(), err
}

func (e testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("%v failed: %v\noutput:\n%s", args, err, out)
	}
	return out
}

func TestEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	inv := filepath.Join(env.dir, "inventory.csv")
	if err := os.WriteFile(inv, []byte(testInventory), 0o644); err != nil {
		t.Fatal(err)
	}

	out := env.mustRun(t, "ingest", inv)
	if !strings.Contains(out, "loaded 1 files (0 skipped): 3 objects") {
		t.Errorf("ingest output = %q", out)
	}
	out = env.mustRun(t, "ingest", inv)
	if !strings.Contains(out, "loaded 0 files (1 skipped)") {
		t.Errorf("second ingest output = %q", out)
	}

	out = env.mustRun(t, "run", "tiers")
	if !strings.Contains(out, "tiers: completed") || !strings.Contains(out, "2 records written") {
		t.Errorf("run output = %q", out)
	}

	out = env.mustRun(t, "status")
	if !strings.Contains(out, "3 objects") || !strings.Contains(out, "completed") {
		t.Errorf("status output = %q", out)
	}
	if !strings.Contains(out, "GLACIER") || !strings.Contains(out, "$") {
		t.Errorf("status output missing tier costs: %q", out)
	}

	prices := filepath.Join(env.dir, "prices.yaml")
	if err := os.WriteFile(prices, []byte("per_gb_month:\n  STANDARD: 1000000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out = env.mustRun(t, "status", "--prices", prices)
	if !strings.Contains(out, "STANDARD") || !strings.Contains(out, "$0.2794") {
		t.Errorf("status --prices output = %q", out)
	}

	target := filepath.Join(env.dir, "tiers.jsonl.zst")
	out = env.mustRun(t, "export", "tiers", target)
	if !strings.Contains(out, "exported 2 documents") {
		t.Errorf("export output = %q", out)
	}
	if n := countZstdLines(t, target); n != 2 {
		t.Errorf("exported lines = %d, want 2", n)
	}

	// A completed job resumes after its checkpoint and writes nothing new.
	out = env.mustRun(t, "run", "--all")
	if !strings.Contains(out, "tiers: completed") || !strings.Contains(out, "2 records written") {
		t.Errorf("second run output = %q", out)
	}

	out = env.mustRun(t, "reset", "tiers", "--drop")
	if !strings.Contains(out, "reset tiers") {
		t.Errorf("reset output = %q", out)
	}
	out = env.mustRun(t, "status")
	if !strings.Contains(out, "never run") {
		t.Errorf("status after reset = %q", out)
	}

	out = env.mustRun(t, "reset", "--objects")
	if !strings.Contains(out, "source store cleared") {
		t.Errorf("reset --objects output = %q", out)
	}
}

func countZstdLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	n := 0
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		n++
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestCommandErrors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"run without jobs", []string{"run"}, "--all"},
		{"run unknown job", []string{"run", "nope"}, "job not found"},
		{"ingest without input", []string{"ingest"}, "--manifest"},
		{"ingest both inputs", []string{"ingest", "--manifest", "s3://b/m.json", "x.csv"}, "mutually exclusive"},
		{"export arity", []string{"export", "tiers"}, "accepts 2 arg(s)"},
		{"export bad format", []string{"export", "tiers", filepath.Join(env.dir, "x.txt")}, "format"},
		{"reset nothing", []string{"reset"}, "--objects"},
		{"bad log format", []string{"--log-format", "xml", "status"}, "log format"},
		{"missing price table", []string{"status", "--prices", filepath.Join(env.dir, "none.yaml")}, "price table"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, tt.args...)
			if err == nil {
				t.Fatalf("%v succeeded, want error", tt.args)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestHelp(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun(t, "--help")
	for _, cmd := range []string{"ingest", "run", "status", "export", "schedule", "reset"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help output missing %q", cmd)
		}
	}
}
