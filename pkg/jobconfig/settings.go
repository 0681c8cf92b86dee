package jobconfig

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/eunmann/s3-inv-pivot/pkg/s3fetch"
	"github.com/eunmann/s3-inv-pivot/pkg/sqlsource"
)

// Settings are process-wide runtime settings read from the environment.
// CLI flags override them.
type Settings struct {
	DBPath   string `env:"S3INV_PIVOT_DB"   envDefault:"s3inv-pivot.db"`
	JobsPath string `env:"S3INV_PIVOT_JOBS" envDefault:"jobs.yaml"`

	Debug bool `env:"S3INV_PIVOT_DEBUG"`
	// LogFormat is "json" or "console".
	LogFormat string `env:"S3INV_PIVOT_LOG_FORMAT" envDefault:"json"`

	// MetricsAddr enables the /metrics endpoint of the schedule command.
	MetricsAddr string `env:"S3INV_PIVOT_METRICS_ADDR"`

	AWSRegion   string `env:"AWS_REGION"`
	S3Endpoint  string `env:"S3INV_PIVOT_S3_ENDPOINT"`
	S3PathStyle bool   `env:"S3INV_PIVOT_S3_PATH_STYLE"`

	DownloadDir       string `env:"S3INV_PIVOT_DOWNLOAD_DIR"`
	IngestConcurrency int    `env:"S3INV_PIVOT_INGEST_CONCURRENCY" envDefault:"4"`
	IngestBatchSize   int    `env:"S3INV_PIVOT_INGEST_BATCH_SIZE"  envDefault:"500"`
}

// LoadSettings parses Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// Validate checks setting values.
func (s *Settings) Validate() error {
	if s.DBPath == "" {
		return fmt.Errorf("database path is required")
	}
	switch s.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: must be json or console", s.LogFormat)
	}
	ingest := s.IngestConfig()
	return ingest.Validate()
}

// HumanLogs reports whether logs go to a console writer.
func (s *Settings) HumanLogs() bool { return s.LogFormat == "console" }

// S3Options returns the S3 client options.
func (s *Settings) S3Options() s3fetch.Options {
	return s3fetch.Options{
		Region:       s.AWSRegion,
		Endpoint:     s.S3Endpoint,
		UsePathStyle: s.S3PathStyle,
	}
}

// IngestConfig returns the ingestion tuning without a filter.
func (s *Settings) IngestConfig() sqlsource.IngestConfig {
	cfg := sqlsource.DefaultIngestConfig()
	cfg.Concurrency = s.IngestConcurrency
	cfg.BatchSize = s.IngestBatchSize
	return cfg
}
