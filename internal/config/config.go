// Package config loads service configuration from defaults, an optional
// TOML file and TYPESETTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TYPESETTER_"

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Worker   WorkerConfig   `toml:"worker"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Storage  StorageConfig  `toml:"storage"`
	NATS     NATSConfig     `toml:"nats"`
	Compiler CompilerConfig `toml:"compiler"`
	LLM      LLMConfig      `toml:"llm"`
	Notify   NotifyConfig   `toml:"notify"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig configures the job API. A non-empty Secret requires signed
// submissions.
type ServerConfig struct {
	Port          int    `toml:"port"`
	MaxUploadSize int64  `toml:"max_upload_size"`
	Secret        string `toml:"secret"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type WorkerConfig struct {
	Count        int           `toml:"count"`
	PollInterval time.Duration `toml:"poll_interval"`
	JobTimeout   time.Duration `toml:"job_timeout"`
	DrainTimeout time.Duration `toml:"drain_timeout"`
}

type PipelineConfig struct {
	MaxAttempts       int           `toml:"max_attempts"`
	ChunkLimit        int           `toml:"chunk_limit"`
	MarkupConcurrency int           `toml:"markup_concurrency"`
	UnitTimeout       time.Duration `toml:"unit_timeout"`
	PlanTimeout       time.Duration `toml:"plan_timeout"`
	RepairTimeout     time.Duration `toml:"repair_timeout"`
	Locale            string        `toml:"locale"`
}

// StorageConfig selects the blob store. Backend is "fs" or "nats".
type StorageConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
	Bucket  string `toml:"bucket"`
}

// NATSConfig is used by the nats blob backend and the progress publisher.
// An empty URL disables both.
type NATSConfig struct {
	URL             string `toml:"url"`
	ProgressSubject string `toml:"progress_subject"`
}

type CompilerConfig struct {
	URL             string        `toml:"url"`
	Port            int           `toml:"port"`
	Engine          string        `toml:"engine"`
	PassTimeout     time.Duration `toml:"pass_timeout"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"`
	ScratchDir      string        `toml:"scratch_dir"`
	CleanupGrace    time.Duration `toml:"cleanup_grace"`
	JanitorInterval time.Duration `toml:"janitor_interval"`
	JanitorMaxAge   time.Duration `toml:"janitor_max_age"`
}

// LLMConfig configures the planner and transcoder. An empty BaseURL runs
// every job on the fallback plan and template.
type LLMConfig struct {
	BaseURL     string        `toml:"base_url"`
	APIKey      string        `toml:"api_key"`
	Model       string        `toml:"model"`
	Temperature float64       `toml:"temperature"`
	Timeout     time.Duration `toml:"timeout"`
}

type NotifyConfig struct {
	URL     string        `toml:"url"`
	Secret  string        `toml:"secret"`
	Timeout time.Duration `toml:"timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultCacheDir returns the cache directory using XDG_CACHE_HOME.
func DefaultCacheDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "typesetter")
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	return filepath.Join(DefaultCacheDir(), "jobs.db")
}

// DefaultBlobDir returns the default filesystem blob store root.
func DefaultBlobDir() string {
	return filepath.Join(DefaultCacheDir(), "blobs")
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			MaxUploadSize: 100 << 20,
		},
		Database: DatabaseConfig{Path: DefaultDBPath()},
		Worker: WorkerConfig{
			Count:        2,
			PollInterval: 5 * time.Second,
			JobTimeout:   30 * time.Minute,
			DrainTimeout: 2 * time.Minute,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:       3,
			ChunkLimit:        100_000,
			MarkupConcurrency: 1,
			UnitTimeout:       3 * time.Minute,
			PlanTimeout:       time.Minute,
			RepairTimeout:     3 * time.Minute,
			Locale:            "en",
		},
		Storage: StorageConfig{
			Backend: "fs",
			Dir:     DefaultBlobDir(),
			Bucket:  "typesetter",
		},
		NATS: NATSConfig{ProgressSubject: "typesetter.progress"},
		Compiler: CompilerConfig{
			URL:             "http://localhost:8081",
			Port:            8081,
			Engine:          "xelatex",
			PassTimeout:     2 * time.Minute,
			RequestTimeout:  10 * time.Minute,
			MaxBodyBytes:    200 << 20,
			CleanupGrace:    time.Minute,
			JanitorInterval: 10 * time.Minute,
			JanitorMaxAge:   time.Hour,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		},
		Notify: NotifyConfig{Timeout: 10 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// empty) and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies TYPESETTER_* overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, v := range c.envVars() {
		raw, ok := lookup(EnvPrefix + v.name)
		if !ok {
			continue
		}
		if err := v.set(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, v.name, err))
		}
	}
	return errors.Join(errs...)
}

type envVar struct {
	name string
	set  func(string) error
}

func (c *Config) envVars() []envVar {
	return []envVar{
		{"PORT", intVar(&c.Server.Port)},
		{"MAX_UPLOAD_SIZE", int64Var(&c.Server.MaxUploadSize)},
		{"API_SECRET", stringVar(&c.Server.Secret)},
		{"DB", stringVar(&c.Database.Path)},
		{"WORKERS", intVar(&c.Worker.Count)},
		{"POLL_INTERVAL", durationVar(&c.Worker.PollInterval)},
		{"JOB_TIMEOUT", durationVar(&c.Worker.JobTimeout)},
		{"MAX_ATTEMPTS", intVar(&c.Pipeline.MaxAttempts)},
		{"CHUNK_LIMIT", intVar(&c.Pipeline.ChunkLimit)},
		{"MARKUP_CONCURRENCY", intVar(&c.Pipeline.MarkupConcurrency)},
		{"LOCALE", stringVar(&c.Pipeline.Locale)},
		{"BLOB_BACKEND", stringVar(&c.Storage.Backend)},
		{"BLOB_DIR", stringVar(&c.Storage.Dir)},
		{"BLOB_BUCKET", stringVar(&c.Storage.Bucket)},
		{"NATS_URL", stringVar(&c.NATS.URL)},
		{"NATS_SUBJECT", stringVar(&c.NATS.ProgressSubject)},
		{"COMPILER_URL", stringVar(&c.Compiler.URL)},
		{"COMPILER_PORT", intVar(&c.Compiler.Port)},
		{"ENGINE", stringVar(&c.Compiler.Engine)},
		{"PASS_TIMEOUT", durationVar(&c.Compiler.PassTimeout)},
		{"COMPILE_TIMEOUT", durationVar(&c.Compiler.RequestTimeout)},
		{"SCRATCH_DIR", stringVar(&c.Compiler.ScratchDir)},
		{"LLM_BASE_URL", stringVar(&c.LLM.BaseURL)},
		{"LLM_API_KEY", stringVar(&c.LLM.APIKey)},
		{"LLM_MODEL", stringVar(&c.LLM.Model)},
		{"LLM_TIMEOUT", durationVar(&c.LLM.Timeout)},
		{"NOTIFY_URL", stringVar(&c.Notify.URL)},
		{"NOTIFY_SECRET", stringVar(&c.Notify.Secret)},
		{"LOG_LEVEL", stringVar(&c.Log.Level)},
		{"LOG_FORMAT", stringVar(&c.Log.Format)},
	}
}

func stringVar(p *string) func(string) error {
	return func(s string) error {
		*p = s
		return nil
	}
}

func intVar(p *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func int64Var(p *int64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func durationVar(p *time.Duration) func(string) error {
	return func(s string) error {
		v, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(validPort(c.Server.Port), "server.port %d out of range", c.Server.Port)
	check(c.Server.MaxUploadSize > 0, "server.max_upload_size must be positive")
	check(c.Database.Path != "", "database.path is required")
	check(c.Worker.Count >= 1, "worker.count must be at least 1")
	check(c.Worker.PollInterval > 0, "worker.poll_interval must be positive")
	check(c.Worker.JobTimeout >= 0, "worker.job_timeout must not be negative")
	check(c.Pipeline.MaxAttempts >= 1, "pipeline.max_attempts must be at least 1")
	check(c.Pipeline.ChunkLimit >= 1000, "pipeline.chunk_limit must be at least 1000")
	check(c.Pipeline.MarkupConcurrency >= 1, "pipeline.markup_concurrency must be at least 1")

	switch c.Storage.Backend {
	case "fs":
		check(c.Storage.Dir != "", "storage.dir is required for the fs backend")
	case "nats":
		check(c.NATS.URL != "", "nats.url is required for the nats backend")
		check(c.Storage.Bucket != "", "storage.bucket is required for the nats backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be fs or nats", c.Storage.Backend))
	}

	check(c.Compiler.URL != "", "compiler.url is required")
	check(validPort(c.Compiler.Port), "compiler.port %d out of range", c.Compiler.Port)
	check(c.Compiler.Engine != "", "compiler.engine is required")
	check(c.Compiler.PassTimeout > 0, "compiler.pass_timeout must be positive")
	check(c.Compiler.RequestTimeout >= c.Compiler.PassTimeout, "compiler.request_timeout must cover at least one pass")
	check(c.Compiler.JanitorInterval > 0, "compiler.janitor_interval must be positive")
	check(c.Compiler.JanitorMaxAge > 0, "compiler.janitor_max_age must be positive")

	if c.LLM.BaseURL != "" {
		check(c.LLM.Model != "", "llm.model is required when llm.base_url is set")
	}
	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2, "llm.temperature %.2f out of range 0..2", c.LLM.Temperature)

	check(slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level), "log.level %q is not one of debug, info, warn, error", c.Log.Level)
	check(slices.Contains([]string{"text", "json"}, c.Log.Format), "log.format %q is not text or json", c.Log.Format)

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
