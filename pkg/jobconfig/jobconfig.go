// Package jobconfig loads job definitions from YAML and runtime settings from
// the environment.
package jobconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/indexer"
	"github.com/eunmann/s3-inv-pivot/pkg/rule"
	"github.com/eunmann/s3-inv-pivot/pkg/scheduler"
	"github.com/eunmann/s3-inv-pivot/pkg/sqlsink"
	"github.com/eunmann/s3-inv-pivot/pkg/sqlsource"
)

// ErrJobNotFound is returned by File.Job for an unknown id.
var ErrJobNotFound = errors.New("job not found")

// Job is one materialization job as written in the jobs file.
type Job struct {
	ID string `yaml:"id"`
	// Source is a bucket glob; empty or "*" groups every bucket.
	Source      string `yaml:"source,omitempty"`
	Destination string `yaml:"destination"`

	PageSize       int           `yaml:"page_size,omitempty"`
	MaxRetries     *int          `yaml:"max_retries,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`

	// Schedule is a cron expression. Jobs without one run only on demand.
	Schedule string `yaml:"schedule,omitempty"`

	GroupBy      []group.Source      `yaml:"group_by"`
	Aggregations []group.Aggregation `yaml:"aggregations"`
	Filter       *rule.Rule          `yaml:"filter,omitempty"`
	Lists        rule.Lists          `yaml:"lists,omitempty"`
	// KeyFields are the record fields hashed into the destination document
	// id. Defaults to the group key names plus the rows term.
	KeyFields []string `yaml:"key_fields,omitempty"`
}

// File is the top-level jobs document.
type File struct {
	Jobs []Job `yaml:"jobs"`
}

// Load reads and validates a jobs file.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open jobs file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a jobs document. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode jobs file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks every job and rejects duplicate ids.
func (f *File) Validate() error {
	seen := make(map[string]struct{}, len(f.Jobs))
	for i := range f.Jobs {
		j := &f.Jobs[i]
		if err := j.Validate(); err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
		if _, dup := seen[j.ID]; dup {
			return fmt.Errorf("job %q defined twice", j.ID)
		}
		seen[j.ID] = struct{}{}
	}
	return nil
}

// Job returns the job with the given id.
func (f *File) Job(id string) (Job, error) {
	for _, j := range f.Jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("%w: %q", ErrJobNotFound, id)
}

// Validate checks the job. Filter and grouping problems surface as
// *group.ConfigurationError.
func (j *Job) Validate() error {
	if j.Destination == "" {
		return &group.ConfigurationError{Field: "destination", Reason: "is required"}
	}
	cfg := j.IndexerConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, f := range cfg.Spec.Fields() {
		if _, err := sqlsource.FieldKind(f); err != nil {
			return err
		}
	}
	if j.Filter != nil {
		if err := j.Filter.Validate(j.Lists); err != nil {
			return &group.ConfigurationError{Field: "filter", Reason: err.Error()}
		}
	}
	if j.Schedule != "" {
		if _, err := scheduler.ParseSchedule(j.Schedule); err != nil {
			return &group.ConfigurationError{Field: "schedule", Reason: err.Error()}
		}
	}
	for _, k := range j.KeyFields {
		if !isOutputField(cfg.Spec, k) {
			return &group.ConfigurationError{Field: "key_fields", Reason: fmt.Sprintf("%q is not an output field", k)}
		}
	}
	return nil
}

func isOutputField(spec group.Spec, name string) bool {
	for _, k := range spec.KeyNames() {
		if k == name {
			return true
		}
	}
	for _, a := range spec.Aggregations {
		if name == a.Name || strings.HasPrefix(name, a.Name+".") {
			return true
		}
	}
	return false
}

// IndexerConfig maps the job to an engine configuration, filling engine
// defaults for unset tuning values.
func (j Job) IndexerConfig() indexer.Config {
	cfg := indexer.DefaultConfig()
	cfg.JobID = j.ID
	cfg.Source = j.Source
	cfg.Destination = j.Destination
	cfg.Spec = group.Spec{
		Sources:      append([]group.Source(nil), j.GroupBy...),
		Aggregations: append([]group.Aggregation(nil), j.Aggregations...),
	}
	if j.PageSize > 0 {
		cfg.PageSize = j.PageSize
	}
	if j.MaxRetries != nil {
		cfg.MaxRetries = *j.MaxRetries
	}
	if j.InitialBackoff > 0 {
		cfg.InitialBackoff = j.InitialBackoff
	}
	if j.MaxBackoff > 0 {
		cfg.MaxBackoff = j.MaxBackoff
	}
	return cfg
}

// DocKeyFields returns the configured key fields, or the default identity
// for the job's grouping.
func (j Job) DocKeyFields() []string {
	if len(j.KeyFields) > 0 {
		return j.KeyFields
	}
	return sqlsink.DefaultKeyFields(group.Spec{Sources: j.GroupBy, Aggregations: j.Aggregations})
}
