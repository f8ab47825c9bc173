package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDBPath(t *testing.T) {
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")
		assert.Equal(t, "/custom/cache/typesetter/jobs.db", DefaultDBPath())
	})

	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")
		path := DefaultDBPath()
		if !strings.HasSuffix(path, filepath.Join(".cache", "typesetter", "jobs.db")) {
			t.Errorf("DefaultDBPath() = %q, want suffix .cache/typesetter/jobs.db", path)
		}
	})
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "fs", cfg.Storage.Backend)
	assert.Equal(t, "xelatex", cfg.Compiler.Engine)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "typesetter.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090

[worker]
count = 4
poll_interval = "2s"

[pipeline]
max_attempts = 5
locale = "de"

[compiler]
url = "http://compiler:8081"
pass_timeout = "90s"

[llm]
base_url = "http://llm:8000/v1"
model = "local"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "de", cfg.Pipeline.Locale)
	assert.Equal(t, "http://compiler:8081", cfg.Compiler.URL)
	assert.Equal(t, 90*time.Second, cfg.Compiler.PassTimeout)
	assert.Equal(t, "local", cfg.LLM.Model)
	// untouched keys keep their defaults
	assert.Equal(t, 100_000, cfg.Pipeline.ChunkLimit)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[server]\nprot = 1\n", "unknown config keys"},
		{"bad toml", "[server\n", "failed to read config"},
		{"invalid value", "[worker]\ncount = 0\n", "worker.count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "[server]\nport = 9090\n")
	t.Setenv("TYPESETTER_PORT", "7070")
	t.Setenv("TYPESETTER_POLL_INTERVAL", "250ms")
	t.Setenv("TYPESETTER_LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TYPESETTER_WORKERS":      "8",
		"TYPESETTER_BLOB_BACKEND": "nats",
		"TYPESETTER_NATS_URL":     "nats://localhost:4222",
		"TYPESETTER_LOG_FORMAT":   "json",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, "nats", cfg.Storage.Backend)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_ParseErrors(t *testing.T) {
	env := map[string]string{
		"TYPESETTER_PORT":        "eighty",
		"TYPESETTER_JOB_TIMEOUT": "soon",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TYPESETTER_PORT")
	assert.Contains(t, err.Error(), "TYPESETTER_JOB_TIMEOUT")
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }, "pipeline.max_attempts"},
		{"chunk limit", func(c *Config) { c.Pipeline.ChunkLimit = 10 }, "pipeline.chunk_limit"},
		{"backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"nats without url", func(c *Config) { c.Storage.Backend = "nats" }, "nats.url"},
		{"request timeout", func(c *Config) { c.Compiler.RequestTimeout = time.Second }, "compiler.request_timeout"},
		{"llm model", func(c *Config) { c.LLM.BaseURL = "http://x"; c.LLM.Model = "" }, "llm.model"},
		{"temperature", func(c *Config) { c.LLM.Temperature = 3 }, "llm.temperature"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
