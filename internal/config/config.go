// Package config loads the settings of both processes from YAML, with
// BATCHGRID_* environment variables taking precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/batchgrid/internal/coordinator"
	"github.com/dreamware/batchgrid/internal/fault"
)

type Config struct {
	Log         Log         `yaml:"log"`
	Database    string      `yaml:"database" validate:"required"`
	Redis       Redis       `yaml:"redis"`
	Coordinator Coordinator `yaml:"coordinator"`
	Node        Node        `yaml:"node"`
	Job         Job         `yaml:"job"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Redis carries the remote chunking queues; an empty Addr disables them.
type Redis struct {
	Addr   string `yaml:"addr" validate:"omitempty,hostname_port"`
	Prefix string `yaml:"prefix" validate:"required"`
}

type Coordinator struct {
	Listen            string        `yaml:"listen" validate:"required"`
	HealthInterval    time.Duration `yaml:"health_interval" validate:"gt=0"`
	HealthMaxFailures int           `yaml:"health_max_failures" validate:"min=1"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

type Node struct {
	ID             string        `yaml:"id"`
	Listen         string        `yaml:"listen" validate:"required"`
	Advertise      string        `yaml:"advertise" validate:"omitempty,url"`
	CoordinatorURL string        `yaml:"coordinator_url" validate:"required,url"`
	RegisterWait   time.Duration `yaml:"register_wait" validate:"gt=0"`
	ReplyCacheSize int           `yaml:"reply_cache_size" validate:"min=1"`
}

// Job holds the chunk, partition and remote chunking settings of the
// customer job.
type Job struct {
	ChunkSize       int           `yaml:"chunk_size" validate:"min=1"`
	FetchSize       int           `yaml:"fetch_size" validate:"min=1"`
	GridSize        int           `yaml:"grid_size" validate:"min=1"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxInFlight     int           `yaml:"max_in_flight" validate:"min=1"`
	ReceiveTimeout  time.Duration `yaml:"receive_timeout" validate:"gt=0"`
	MaxWaitTimeouts int           `yaml:"max_wait_timeouts" validate:"min=1"`
	SkipLimit       int           `yaml:"skip_limit" validate:"min=0"`
	MaxRetries      int           `yaml:"max_retries" validate:"min=0"`
	RetryableKinds  []string      `yaml:"retryable_kinds"`
	SkippableKinds  []string      `yaml:"skippable_kinds"`
	Backoff         fault.Backoff `yaml:"backoff"`
	ExportPath      string        `yaml:"export_path"`
	DateLayout      string        `yaml:"date_layout"`
}

// Default returns a config that runs the sample job against a local
// sqlite file.
func Default() Config {
	return Config{
		Log:      Log{Level: "info", Format: "json"},
		Database: "file:batchgrid.db?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
		Redis:    Redis{Prefix: "batchgrid"},
		Coordinator: Coordinator{
			Listen:            ":8080",
			HealthInterval:    5 * time.Second,
			HealthMaxFailures: 3,
			ShutdownGrace:     10 * time.Second,
		},
		Node: Node{
			Listen:         ":8081",
			CoordinatorURL: "http://127.0.0.1:8080",
			RegisterWait:   time.Minute,
			ReplyCacheSize: 4096,
		},
		Job: Job{
			ChunkSize:       1000,
			FetchSize:       1000,
			GridSize:        4,
			PollInterval:    5 * time.Second,
			MaxInFlight:     4,
			ReceiveTimeout:  30 * time.Second,
			MaxWaitTimeouts: 10,
			SkipLimit:       10,
			SkippableKinds:  []string{"invalid-customer"},
			DateLayout:      "2006-01-02 15:04:05",
		},
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", fault.ErrConfiguration, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", fault.ErrConfiguration, path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags and returns every violation at once.
func (c Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	err := v.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, e := range verrs {
		errs = append(errs, fmt.Errorf("key=%q, value=%q, failed %q validation",
			strings.TrimPrefix(e.Namespace(), "Config."), fmt.Sprint(e.Value()), e.ActualTag()))
	}
	return fmt.Errorf("%w: %w", fault.ErrConfiguration, errors.Join(errs...))
}

// Policy builds the fault policy of the job steps.
func (j Job) Policy() fault.Policy {
	return fault.Policy{
		RetryableKinds: kinds(j.RetryableKinds),
		SkippableKinds: kinds(j.SkippableKinds),
		MaxRetries:     j.MaxRetries,
		SkipLimit:      j.SkipLimit,
		Backoff:        j.Backoff,
	}
}

// Remote builds the remote chunking settings for jobID.
func (j Job) Remote(jobID string) coordinator.RemoteChunkConfig {
	return coordinator.RemoteChunkConfig{
		JobID:           jobID,
		MaxInFlight:     j.MaxInFlight,
		ReceiveTimeout:  j.ReceiveTimeout,
		MaxWaitTimeouts: j.MaxWaitTimeouts,
	}
}

func kinds(names []string) fault.KindSet {
	ks := make([]fault.Kind, len(names))
	for i, n := range names {
		ks[i] = fault.Kind(n)
	}
	return fault.NewKindSet(ks...)
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides scalar settings from BATCHGRID_* variables
func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"BATCHGRID_LOG_LEVEL":          &c.Log.Level,
		"BATCHGRID_LOG_FORMAT":         &c.Log.Format,
		"BATCHGRID_DATABASE":           &c.Database,
		"BATCHGRID_REDIS_ADDR":         &c.Redis.Addr,
		"BATCHGRID_REDIS_PREFIX":       &c.Redis.Prefix,
		"BATCHGRID_COORDINATOR_LISTEN": &c.Coordinator.Listen,
		"BATCHGRID_NODE_ID":            &c.Node.ID,
		"BATCHGRID_NODE_LISTEN":        &c.Node.Listen,
		"BATCHGRID_NODE_ADVERTISE":     &c.Node.Advertise,
		"BATCHGRID_COORDINATOR_URL":    &c.Node.CoordinatorURL,
		"BATCHGRID_EXPORT_PATH":        &c.Job.ExportPath,
	}
	ints := map[string]*int{
		"BATCHGRID_CHUNK_SIZE":        &c.Job.ChunkSize,
		"BATCHGRID_FETCH_SIZE":        &c.Job.FetchSize,
		"BATCHGRID_GRID_SIZE":         &c.Job.GridSize,
		"BATCHGRID_MAX_IN_FLIGHT":     &c.Job.MaxInFlight,
		"BATCHGRID_MAX_WAIT_TIMEOUTS": &c.Job.MaxWaitTimeouts,
		"BATCHGRID_SKIP_LIMIT":        &c.Job.SkipLimit,
		"BATCHGRID_MAX_RETRIES":       &c.Job.MaxRetries,
	}
	durations := map[string]*time.Duration{
		"BATCHGRID_POLL_INTERVAL":   &c.Job.PollInterval,
		"BATCHGRID_TIMEOUT":         &c.Job.Timeout,
		"BATCHGRID_RECEIVE_TIMEOUT": &c.Job.ReceiveTimeout,
	}

	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	var errs []error
	for name, dst := range ints {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			*dst = n
		}
	}
	for name, dst := range durations {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			*dst = d
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", fault.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}
