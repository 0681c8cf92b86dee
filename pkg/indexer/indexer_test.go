package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

func key(date, k string) checkpoint.Checkpoint {
	return checkpoint.MustNew(
		checkpoint.Part{Name: "date", Value: value.String(date)},
		checkpoint.Part{Name: "key", Value: value.String(k)},
	)
}

func countGroup(date, k string, n int64) group.Group {
	return group.Group{Key: key(date, k), Values: map[string]value.Value{"count": value.Int(n)}}
}

// fakeSource pages through a sorted in-memory group list.
type fakeSource struct {
	mu     sync.Mutex
	groups []group.Group
	calls  int
	reqs   []SearchRequest
	errs   []error
}

func (s *fakeSource) Search(_ context.Context, req SearchRequest) (group.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.reqs = append(s.reqs, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return group.Page{}, err
		}
	}
	var out []group.Group
	for _, g := range s.groups {
		if !req.After.IsEmpty() {
			c, err := g.Key.Compare(req.After)
			if err != nil {
				return group.Page{}, err
			}
			if c <= 0 {
				continue
			}
		}
		out = append(out, g)
		if len(out) == req.Size {
			break
		}
	}
	return group.NewPage(out), nil
}

func (s *fakeSource) requests() []SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SearchRequest(nil), s.reqs...)
}

// fakeDest upserts records by (date, key).
type fakeDest struct {
	mu      sync.Mutex
	docs    map[string]value.Record
	batches [][]value.Record
	// fail is consulted per call; a non-nil error fails the call after the
	// records have been stored, like a lost acknowledgement.
	fail   []error
	reject int
	// gate, when set, blocks each write until a value is received.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeDest() *fakeDest { return &fakeDest{docs: make(map[string]value.Record)} }

func (d *fakeDest) Write(ctx context.Context, _ string, records []value.Record) (WriteResult, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return WriteResult{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, records)
	for _, r := range records {
		d.docs[r["date"].String()+"/"+r["key"].String()] = r
	}
	if d.reject > 0 {
		d.reject--
		return WriteResult{
			Written:  len(records) - 1,
			Failures: []RecordFailure{{Index: 0, Err: errors.New("mapping conflict")}},
		}, nil
	}
	if len(d.fail) > 0 {
		err := d.fail[0]
		d.fail = d.fail[1:]
		if err != nil {
			return WriteResult{}, err
		}
	}
	return WriteResult{Written: len(records)}, nil
}

func (d *fakeDest) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.docs)
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]Persisted
	saves int
}

func (m *memStore) Save(_ context.Context, jobID string, st Persisted) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]Persisted)
	}
	m.saved[jobID] = st
	m.saves++
	return nil
}

func (m *memStore) Load(_ context.Context, jobID string) (Persisted, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.saved[jobID]
	return p, ok, nil
}

func testConfig(pageSize int) Config {
	cfg := DefaultConfig()
	cfg.JobID = "job-1"
	cfg.Source = "objects"
	cfg.Destination = "pivot"
	cfg.PageSize = pageSize
	cfg.Spec = group.Spec{
		Sources: []group.Source{
			{Name: "date", Field: "date"},
			{Name: "key", Field: "key"},
		},
		Aggregations: []group.Aggregation{{Name: "count", Kind: group.Count}},
	}
	return cfg
}

func zeroBackoff(Config) backoff.BackOff { return &backoff.ZeroBackOff{} }

func newTestIndexer(t *testing.T, cfg Config, s Searcher, w Writer, opts ...Option) *Indexer {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithBackoff(zeroBackoff)}, opts...)
	ix, err := New(cfg, s, w, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ix
}

func runToEnd(t *testing.T, ix *Indexer) (Outcome, error) {
	t.Helper()
	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return ix.Run(context.Background())
}

func TestScenarioResumeFromCheckpoint(t *testing.T) {
	src := &fakeSource{groups: []group.Group{
		countGroup("2020-01-01", "A", 3),
		countGroup("2020-01-01", "B", 3),
		countGroup("2020-01-02", "A", 3),
	}}
	dst := newFakeDest()
	ix := newTestIndexer(t, testConfig(2), src, dst,
		WithRecoveredState(Persisted{Checkpoint: key("2020-01-01", "A")}))

	outcome, err := runToEnd(t, ix)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("Run = %s, %v; want completed", outcome, err)
	}

	if len(dst.batches) != 1 || len(dst.batches[0]) != 2 {
		t.Fatalf("batches = %v, want one batch of 2 records", dst.batches)
	}
	for _, rec := range dst.batches[0] {
		if n, _ := rec["count"].AsInt(); n != 3 || len(rec) != 3 {
			t.Errorf("record = %v, want {date, key, count:3}", rec)
		}
	}
	if !ix.Checkpoint().Equal(key("2020-01-02", "A")) {
		t.Errorf("Checkpoint = %s, want {date:2020-01-02, key:A}", ix.Checkpoint())
	}

	reqs := src.requests()
	if len(reqs) != 2 {
		t.Fatalf("search requests = %d, want 2", len(reqs))
	}
	if !reqs[0].After.Equal(key("2020-01-01", "A")) || reqs[0].Size != 2 {
		t.Errorf("first request = %+v", reqs[0])
	}
	if !reqs[1].After.Equal(key("2020-01-02", "A")) {
		t.Errorf("second request after = %s", reqs[1].After)
	}

	st := ix.Stats()
	if st.Pages != 2 || st.RecordsWritten != 2 || st.LastOutcome != OutcomeCompleted {
		t.Errorf("stats = %+v", st)
	}
	if ix.State() != Stopped {
		t.Errorf("State = %s, want STOPPED", ix.State())
	}
}

func TestFirstRequestOmitsAfterKey(t *testing.T) {
	src := &fakeSource{groups: []group.Group{countGroup("2020-01-01", "A", 1)}}
	ix := newTestIndexer(t, testConfig(10), src, newFakeDest())
	if _, err := runToEnd(t, ix); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reqs := src.requests(); !reqs[0].After.IsEmpty() {
		t.Errorf("first request after = %s, want empty", reqs[0].After)
	}
}

func TestEmptyPageCompletes(t *testing.T) {
	start := key("2020-01-05", "Z")
	ix := newTestIndexer(t, testConfig(10), &fakeSource{}, newFakeDest(),
		WithRecoveredState(Persisted{Checkpoint: start, Stats: Stats{Pages: 4}}))

	outcome, err := runToEnd(t, ix)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("Run = %s, %v; want completed", outcome, err)
	}
	if ix.State() != Stopped {
		t.Errorf("State = %s, want STOPPED", ix.State())
	}
	if got := ix.Stats().Pages; got != 5 {
		t.Errorf("Pages = %d, want 5", got)
	}
	if !ix.Checkpoint().Equal(start) {
		t.Errorf("Checkpoint = %s, want unchanged %s", ix.Checkpoint(), start)
	}
}

func TestCheckpointMonotonic(t *testing.T) {
	var groups []group.Group
	for _, d := range []string{"2020-01-01", "2020-01-02", "2020-01-03"} {
		for _, k := range []string{"A", "B", "C"} {
			groups = append(groups, countGroup(d, k, 1))
		}
	}
	var commits []checkpoint.Checkpoint
	store := &recordingStore{onSave: func(p Persisted) { commits = append(commits, p.Checkpoint) }}
	dst := newFakeDest()
	ix := newTestIndexer(t, testConfig(2), &fakeSource{groups: groups}, dst, WithStateStore(store))

	if _, err := runToEnd(t, ix); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i := 1; i < len(commits); i++ {
		c, err := commits[i].Compare(commits[i-1])
		if err != nil || c < 0 {
			t.Errorf("commit %d %s sorts before %s", i, commits[i], commits[i-1])
		}
	}
	if dst.count() != len(groups) {
		t.Errorf("destination has %d docs, want %d", dst.count(), len(groups))
	}
}

type recordingStore struct {
	onSave func(Persisted)
}

func (s *recordingStore) Save(_ context.Context, _ string, p Persisted) error {
	s.onSave(p)
	return nil
}

func (s *recordingStore) Load(context.Context, string) (Persisted, bool, error) {
	return Persisted{}, false, nil
}

func TestAbortDiscardsUncommittedPage(t *testing.T) {
	start := key("2020-01-01", "A")
	src := &fakeSource{groups: []group.Group{countGroup("2020-01-01", "B", 1)}}
	dst := newFakeDest()
	dst.gate = make(chan struct{})
	dst.entered = make(chan struct{}, 1)
	ix := newTestIndexer(t, testConfig(10), src, dst, WithRecoveredState(Persisted{Checkpoint: start}))

	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ix.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	<-dst.entered
	// The gate is never opened: Abort must cancel the blocked write.
	ix.Abort()

	waitStopped(t, ix)
	if dst.count() != 0 {
		t.Errorf("docs = %d, want the cancelled write to store nothing", dst.count())
	}
	if !ix.Checkpoint().Equal(start) {
		t.Errorf("Checkpoint = %s, want %s", ix.Checkpoint(), start)
	}
	if got := ix.Stats().LastOutcome; got != OutcomeAborted {
		t.Errorf("LastOutcome = %s, want aborted", got)
	}
}

func TestStopFinishesInFlightPage(t *testing.T) {
	src := &fakeSource{groups: []group.Group{
		countGroup("2020-01-01", "A", 1),
		countGroup("2020-01-01", "B", 1),
	}}
	dst := newFakeDest()
	dst.gate = make(chan struct{})
	dst.entered = make(chan struct{}, 1)
	ix := newTestIndexer(t, testConfig(1), src, dst)

	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ix.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	<-dst.entered
	ix.Stop()
	if ix.State() != Stopping {
		t.Errorf("State = %s, want STOPPING", ix.State())
	}
	ix.Stop()
	close(dst.gate)

	waitStopped(t, ix)
	if !ix.Checkpoint().Equal(key("2020-01-01", "A")) {
		t.Errorf("Checkpoint = %s, want first page committed", ix.Checkpoint())
	}
	if got := ix.Stats().LastOutcome; got != OutcomeStopped {
		t.Errorf("LastOutcome = %s, want stopped", got)
	}
	if len(src.requests()) != 1 {
		t.Errorf("searches = %d, want 1", len(src.requests()))
	}
}

func waitStopped(t *testing.T, ix *Indexer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ix.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if ix.State() != Stopped {
		t.Fatalf("State = %s, want STOPPED", ix.State())
	}
}

func TestTransientFailuresRetry(t *testing.T) {
	src := &fakeSource{
		groups: []group.Group{countGroup("2020-01-01", "A", 1)},
		errs:   []error{errors.New("timeout")},
	}
	dst := newFakeDest()
	dst.fail = []error{errors.New("unavailable")}
	ix := newTestIndexer(t, testConfig(10), src, dst)

	outcome, err := runToEnd(t, ix)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("Run = %s, %v; want completed", outcome, err)
	}
	st := ix.Stats()
	if st.SearchFailures != 1 || st.WriteFailures != 1 {
		t.Errorf("failures = search %d write %d, want 1 and 1", st.SearchFailures, st.WriteFailures)
	}
	if st.FatalError != "" {
		t.Errorf("FatalError = %q", st.FatalError)
	}
	if !ix.Checkpoint().Equal(key("2020-01-01", "A")) {
		t.Errorf("Checkpoint = %s", ix.Checkpoint())
	}
}

func TestWriteThenLostAckLosesNothing(t *testing.T) {
	groups := []group.Group{
		countGroup("2020-01-01", "A", 1),
		countGroup("2020-01-01", "B", 2),
		countGroup("2020-01-01", "C", 3),
	}
	dst := newFakeDest()
	dst.fail = []error{nil, errors.New("connection reset")}
	ix := newTestIndexer(t, testConfig(2), &fakeSource{groups: groups}, dst)

	if _, err := runToEnd(t, ix); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if dst.count() != 3 {
		t.Errorf("destination has %d docs, want 3", dst.count())
	}
	if n := len(dst.batches); n != 3 {
		t.Errorf("write calls = %d, want 3 (second page written twice)", n)
	}
}

func TestRetriesExhausted(t *testing.T) {
	src := &fakeSource{groups: []group.Group{countGroup("2020-01-01", "A", 1)}}
	dst := newFakeDest()
	dst.fail = []error{errors.New("a"), errors.New("b"), errors.New("c")}
	cfg := testConfig(10)
	cfg.MaxRetries = 2
	ix := newTestIndexer(t, cfg, src, dst)

	outcome, err := runToEnd(t, ix)
	if outcome != OutcomeFailed || !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run = %s, %v; want failed with ErrRetriesExhausted", outcome, err)
	}
	var ipe *IndexPhaseError
	if !errors.As(err, &ipe) {
		t.Errorf("error %v does not wrap IndexPhaseError", err)
	}
	st := ix.Stats()
	if st.WriteFailures != 3 || st.FatalError == "" {
		t.Errorf("stats = %+v", st)
	}
	if !ix.Checkpoint().IsEmpty() {
		t.Errorf("Checkpoint = %s, want empty", ix.Checkpoint())
	}
	if ix.State() != Stopped {
		t.Errorf("State = %s, want STOPPED", ix.State())
	}
}

func TestConfigurationErrorIsFatal(t *testing.T) {
	src := &fakeSource{errs: []error{group.UnknownFieldError("owner")}}
	ix := newTestIndexer(t, testConfig(10), src, newFakeDest())

	outcome, err := runToEnd(t, ix)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	var cfgErr *group.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error %v is not a ConfigurationError", err)
	}
	if src.calls != 1 {
		t.Errorf("search calls = %d, want 1 (no retry)", src.calls)
	}
	if ix.Stats().FatalError == "" {
		t.Error("FatalError not recorded")
	}
}

func TestNonAdvancingPageIsFatal(t *testing.T) {
	src := SearchFunc(func(context.Context, SearchRequest) (group.Page, error) {
		return group.NewPage([]group.Group{countGroup("2020-01-01", "A", 1)}), nil
	})
	ix := newTestIndexer(t, testConfig(10), src, newFakeDest(),
		WithRecoveredState(Persisted{Checkpoint: key("2020-01-01", "A")}))

	outcome, err := runToEnd(t, ix)
	if outcome != OutcomeFailed || !errors.Is(err, ErrNonMonotonic) {
		t.Fatalf("Run = %s, %v; want failed with ErrNonMonotonic", outcome, err)
	}
}

func TestExtractionPartialTolerance(t *testing.T) {
	src := &fakeSource{groups: []group.Group{
		countGroup("2020-01-01", "A", 1),
		{Key: key("2020-01-01", "B"), Values: map[string]value.Value{"count": value.List(value.Int(1))}},
	}}
	dst := newFakeDest()
	ix := newTestIndexer(t, testConfig(10), src, dst)

	if _, err := runToEnd(t, ix); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(dst.batches) != 1 || len(dst.batches[0]) != 1 {
		t.Fatalf("batches = %v, want one record", dst.batches)
	}
	st := ix.Stats()
	if st.ExtractionFailures != 1 || st.RecordsExtracted != 1 {
		t.Errorf("stats = %+v", st)
	}
	if !ix.Checkpoint().Equal(key("2020-01-01", "B")) {
		t.Errorf("Checkpoint = %s, want past the malformed group", ix.Checkpoint())
	}
}

func TestPerRecordFailureBlocksCommit(t *testing.T) {
	src := &fakeSource{groups: []group.Group{
		countGroup("2020-01-01", "A", 1),
		countGroup("2020-01-01", "B", 1),
	}}
	dst := newFakeDest()
	dst.reject = 1
	cfg := testConfig(10)
	cfg.MaxRetries = 0
	ix := newTestIndexer(t, cfg, src, dst)

	outcome, err := runToEnd(t, ix)
	var ipe *IndexPhaseError
	if outcome != OutcomeFailed || !errors.As(err, &ipe) || ipe.Failed != 1 {
		t.Fatalf("Run = %s, %v; want failed IndexPhaseError with 1 record", outcome, err)
	}
	if !ix.Checkpoint().IsEmpty() {
		t.Errorf("Checkpoint = %s, want empty", ix.Checkpoint())
	}
}

func TestLifecycleMisuse(t *testing.T) {
	ix := newTestIndexer(t, testConfig(10), &fakeSource{}, newFakeDest())

	if _, err := ix.Run(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Run before Start = %v, want ErrNotRunning", err)
	}
	if err := ix.Trigger(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Trigger before Start = %v, want ErrNotRunning", err)
	}

	ix.Stop()
	ix.Abort()
	if ix.State() != Stopped {
		t.Fatalf("State = %s after no-op Stop/Abort", ix.State())
	}

	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ix.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	ix.Abort()
	if ix.State() != Stopped {
		t.Errorf("Abort from STARTED left state %s", ix.State())
	}
	if err := ix.Start(); err != nil {
		t.Fatalf("Start after Abort failed: %v", err)
	}
	ix.Stop()
	if ix.State() != Stopped {
		t.Errorf("Stop from STARTED left state %s", ix.State())
	}
}

func TestSecondRunRejectedWhileIndexing(t *testing.T) {
	src := &fakeSource{groups: []group.Group{countGroup("2020-01-01", "A", 1)}}
	dst := newFakeDest()
	dst.gate = make(chan struct{})
	dst.entered = make(chan struct{}, 1)
	ix := newTestIndexer(t, testConfig(10), src, dst)

	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ix.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	<-dst.entered
	if err := ix.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Start while INDEXING = %v, want ErrAlreadyRunning", err)
	}
	if err := ix.Trigger(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Trigger while INDEXING = %v", err)
	}
	close(dst.gate)
	waitStopped(t, ix)
}

func TestRecoveryStartsStopped(t *testing.T) {
	store := &memStore{}
	src := &fakeSource{groups: []group.Group{
		countGroup("2020-01-01", "A", 1),
		countGroup("2020-01-01", "B", 1),
	}}
	first := newTestIndexer(t, testConfig(1), src, newFakeDest(), WithStateStore(store))
	if _, err := runToEnd(t, first); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	saved, ok, err := store.Load(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	second := newTestIndexer(t, testConfig(1), src, newFakeDest(), WithRecoveredState(saved))
	if second.State() != Stopped {
		t.Errorf("recovered State = %s, want STOPPED", second.State())
	}
	if !second.Checkpoint().Equal(key("2020-01-01", "B")) {
		t.Errorf("recovered Checkpoint = %s", second.Checkpoint())
	}
	if second.Stats() != first.Stats() {
		t.Errorf("recovered Stats = %+v, want %+v", second.Stats(), first.Stats())
	}
	if err := second.Trigger(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Trigger on recovered indexer = %v, want ErrNotRunning", err)
	}
}

func TestConfigSnapshotAtStart(t *testing.T) {
	src := &fakeSource{groups: []group.Group{countGroup("2020-01-01", "A", 1)}}
	ix := newTestIndexer(t, testConfig(10), src, newFakeDest())

	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	next := testConfig(10)
	next.Destination = "pivot_v2"
	if err := ix.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if _, err := ix.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := ix.Config().Destination; got != "pivot" {
		t.Errorf("running Destination = %q, want snapshot pivot", got)
	}

	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := ix.Config().Destination; got != "pivot_v2" {
		t.Errorf("Destination after restart = %q, want pivot_v2", got)
	}
	ix.Stop()

	other := testConfig(10)
	other.JobID = "job-2"
	if err := ix.UpdateConfig(other); err == nil {
		t.Error("UpdateConfig accepted a different job id")
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := SearchFunc(func(context.Context, SearchRequest) (group.Page, error) {
		cancel()
		return group.Page{}, context.Canceled
	})
	ix := newTestIndexer(t, testConfig(10), src, newFakeDest())
	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	outcome, err := ix.Run(ctx)
	if err != nil || outcome != OutcomeStopped {
		t.Errorf("Run = %s, %v; want stopped", outcome, err)
	}
	if ix.State() != Stopped {
		t.Errorf("State = %s", ix.State())
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(testConfig(10), nil, newFakeDest()); err == nil {
		t.Error("New accepted nil searcher")
	}
	cfg := testConfig(0)
	if _, err := New(cfg, &fakeSource{}, newFakeDest()); err == nil {
		t.Error("New accepted zero page size")
	}
	cfg = testConfig(10)
	cfg.JobID = ""
	if _, err := New(cfg, &fakeSource{}, newFakeDest()); err == nil {
		t.Error("New accepted empty job id")
	}
	cfg = testConfig(10)
	cfg.Spec.Sources = nil
	var cfgErr *group.ConfigurationError
	if _, err := New(cfg, &fakeSource{}, newFakeDest()); !errors.As(err, &cfgErr) {
		t.Errorf("New(bad spec) = %v, want ConfigurationError", err)
	}
}

func TestContextCancelFinishesInFlightPage(t *testing.T) {
	src := &fakeSource{groups: []group.Group{
		countGroup("2020-01-01", "A", 1),
		countGroup("2020-01-01", "B", 1),
	}}
	dst := newFakeDest()
	dst.gate = make(chan struct{})
	dst.entered = make(chan struct{}, 1)
	ix := newTestIndexer(t, testConfig(1), src, dst)
	if err := ix.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := ix.Run(ctx)
		done <- result{outcome, err}
	}()

	<-dst.entered
	cancel()
	close(dst.gate)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if res.err != nil || res.outcome != OutcomeStopped {
		t.Errorf("Run = %s, %v; want stopped", res.outcome, res.err)
	}
	if !ix.Checkpoint().Equal(key("2020-01-01", "A")) {
		t.Errorf("Checkpoint = %s, want the in-flight page committed", ix.Checkpoint())
	}
	st := ix.Stats()
	if st.RecordsWritten != 1 || st.WriteFailures != 0 {
		t.Errorf("written = %d, write failures = %d; want 1, 0", st.RecordsWritten, st.WriteFailures)
	}
	if len(src.requests()) != 1 {
		t.Errorf("searches = %d, want 1", len(src.requests()))
	}
}
