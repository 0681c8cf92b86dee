// Package metrics exposes indexer job counters to Prometheus. Values are
// read from each job's published Stats snapshot at scrape time.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eunmann/s3-inv-pivot/pkg/indexer"
	"github.com/eunmann/s3-inv-pivot/pkg/logging"
)

const namespace = "s3inv_pivot"

// Job is the read-only view of an indexer the collector needs.
type Job interface {
	JobID() string
	State() indexer.State
	Stats() indexer.Stats
}

var allStates = []indexer.State{
	indexer.Stopped, indexer.Started, indexer.Indexing, indexer.Stopping, indexer.Aborting,
}

// Collector is a prometheus.Collector over a set of jobs.
type Collector struct {
	mu   sync.RWMutex
	jobs map[string]Job

	pages            *prometheus.Desc
	recordsExtracted *prometheus.Desc
	recordsWritten   *prometheus.Desc
	failures         *prometheus.Desc
	phaseSeconds     *prometheus.Desc
	runs             *prometheus.Desc
	state            *prometheus.Desc
	lastFailed       *prometheus.Desc
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	jobLabel := []string{"job_id"}
	return &Collector{
		jobs: make(map[string]Job),

		pages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pages_total"),
			"Pages searched, including the final empty page of each run",
			jobLabel, nil,
		),
		recordsExtracted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "records_extracted_total"),
			"Records extracted from group pages",
			jobLabel, nil,
		),
		recordsWritten: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "records_written_total"),
			"Records accepted by the destination",
			jobLabel, nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failures_total"),
			"Failures by phase",
			[]string{"job_id", "phase"}, nil,
		),
		phaseSeconds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "phase_seconds_total"),
			"Time spent in each phase",
			[]string{"job_id", "phase"}, nil,
		),
		runs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "runs_total"),
			"Runs started",
			jobLabel, nil,
		),
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "state"),
			"Current lifecycle state, 1 for the active state",
			[]string{"job_id", "state"}, nil,
		),
		lastFailed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "last_run_failed"),
			"1 if the last run ended with a fatal error",
			jobLabel, nil,
		),
	}
}

// Add registers a job, replacing any job with the same id.
func (c *Collector) Add(j Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[j.JobID()] = j
}

// Remove drops a job from the collector.
func (c *Collector) Remove(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, jobID)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pages
	ch <- c.recordsExtracted
	ch <- c.recordsWritten
	ch <- c.failures
	ch <- c.phaseSeconds
	ch <- c.runs
	ch <- c.state
	ch <- c.lastFailed
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, j := range c.snapshot() {
		id := j.JobID()
		st := j.Stats()
		cur := j.State()

		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.CounterValue, float64(st.Pages), id)
		ch <- prometheus.MustNewConstMetric(c.recordsExtracted, prometheus.CounterValue, float64(st.RecordsExtracted), id)
		ch <- prometheus.MustNewConstMetric(c.recordsWritten, prometheus.CounterValue, float64(st.RecordsWritten), id)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.ExtractionFailures), id, "extraction")
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.SearchFailures), id, "search")
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.WriteFailures), id, "write")
		ch <- prometheus.MustNewConstMetric(c.phaseSeconds, prometheus.CounterValue, st.SearchTime.Seconds(), id, "search")
		ch <- prometheus.MustNewConstMetric(c.phaseSeconds, prometheus.CounterValue, st.IndexTime.Seconds(), id, "index")
		ch <- prometheus.MustNewConstMetric(c.runs, prometheus.CounterValue, float64(st.Runs), id)
		for _, s := range allStates {
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, boolValue(s == cur), id, s.String())
		}
		ch <- prometheus.MustNewConstMetric(c.lastFailed, prometheus.GaugeValue, boolValue(st.LastOutcome == indexer.OutcomeFailed), id)
	}
}

func (c *Collector) snapshot() []Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Job, len(ids))
	for i, id := range ids {
		out[i] = c.jobs[id]
	}
	return out
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns a /metrics handler serving c from its own registry.
func Handler(c *Collector) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(c); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Serve serves handler on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log := logging.WithPhase("metrics")
	log.Info().Str("addr", addr).Msg("serving metrics")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	}
}
