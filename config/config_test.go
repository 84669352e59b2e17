package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
env: production
server:
  addr: ":8081"
  read_timeout: 3s
  max_requests_per_conn: 100
limits:
  max_body_bytes: 1024
dispatch:
  workers: 8
  handler_timeout: 250ms
rate_limit:
  enabled: true
  rps: 5
  burst: 10
cors:
  allowed_origins: ["https://a.example", "https://b.example"]
log:
  level: warn
tracing:
  protocol: http/protobuf
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Greater(t, cfg.Dispatch.Workers, 0)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Env = "staging"
	cfg.Dispatch.Workers = 0
	cfg.Limits.MaxBodyBytes = -1
	cfg.Log.Level = "loud"
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RPS = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"env", "dispatch.workers", "limits.max_body_bytes", "log level", "rate_limit.rps"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader(WithEnvPrefix("DISPATCH_TEST_NONE_")).Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	cfg, err := NewLoader(WithConfigFile(path)).Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, ":8081", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 100, cfg.Server.MaxRequestsPerConn)
	assert.Equal(t, int64(1024), cfg.Limits.MaxBodyBytes)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.HandlerTimeout)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5.0, cfg.RateLimit.RPS)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "http/protobuf", cfg.Tracing.Protocol)

	// untouched keys keep their defaults
	assert.Equal(t, Default().Server.WriteTimeout, cfg.Server.WriteTimeout)
	assert.Equal(t, Default().Limits.MaxHeaderCount, cfg.Limits.MaxHeaderCount)

	engine := cfg.EngineConfig()
	assert.Equal(t, int64(1024), engine.Limits.MaxBodyBytes)
	assert.Equal(t, 8, engine.Dispatch.Workers)
	assert.Equal(t, 100, engine.MaxRequestsPerConn)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	t.Setenv("DISPATCH_SERVER__ADDR", ":9999")
	t.Setenv("DISPATCH_RATE_LIMIT__RPS", "42.5")
	t.Setenv("DISPATCH_DISPATCH__QUEUE_SIZE", "64")

	cfg, err := NewLoader(WithConfigFile(path)).Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 42.5, cfg.RateLimit.RPS)
	assert.Equal(t, 64, cfg.Dispatch.QueueSize)
	assert.Equal(t, 8, cfg.Dispatch.Workers, "file value kept")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "DISPATCH_LOG__LEVEL=debug\nDISPATCH_ENV=test\n")
	t.Setenv("DISPATCH_ENV", "production")
	t.Cleanup(func() { os.Unsetenv("DISPATCH_LOG__LEVEL") })

	cfg, err := NewLoader(WithEnvFile(envFile)).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "production", cfg.Env, "the real environment wins over .env")

	_, err = NewLoader(WithEnvFile(filepath.Join(dir, "missing.env"))).Load()
	assert.NoError(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISPATCH_SERVER__ADDR", ":7000")
	cfg, err := NewLoader(WithOverrides(map[string]any{
		"server.addr": ":7001",
		"log.level":   "error",
	})).Load()
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Server.Addr)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewLoader(WithConfigFile(filepath.Join(dir, "nope.yaml"))).Load()
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.yaml", "server: [unclosed")
	_, err = NewLoader(WithConfigFile(bad)).Load()
	assert.Error(t, err)

	invalid := writeFile(t, dir, "invalid.yaml", "dispatch:\n  workers: -1\n")
	_, err = NewLoader(WithConfigFile(invalid)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.workers")
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "log:\n  level: info\n")

	w, err := NewWatcher(NewLoader(WithConfigFile(path)), WithReloadDelay(20*time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Config
	w.OnChange(func(cfg Config) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cfg)
	})
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	// invalid content is ignored
	writeFile(t, dir, "config.yaml", "log:\n  level: shouting\n")
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()

	writeFile(t, dir, "config.yaml", "log:\n  level: debug\nrate_limit:\n  rps: 7\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Log.Level == "debug"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 7.0, got[len(got)-1].RateLimit.RPS)
	mu.Unlock()

	// unrelated files in the directory do not trigger a reload
	mu.Lock()
	n := len(got)
	mu.Unlock()
	writeFile(t, dir, "other.yaml", "x: 1\n")
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, n, len(got))
	mu.Unlock()

	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop(), "stop is idempotent")
}

func TestWatcherNeedsFile(t *testing.T) {
	_, err := NewWatcher(NewLoader())
	assert.Error(t, err)
}
