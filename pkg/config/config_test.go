package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/instancer/pkg/admission"
	"github.com/cuemby/instancer/pkg/auth"
	"github.com/cuemby/instancer/pkg/cache"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instancer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INSTANCER_INSTANCES_BASE_DOMAIN", "ctf.example.org")

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, ":1337", cfg.Server.Listen)
	assert.Equal(t, "ctf.example.org", cfg.Instances.BaseDomain)
	assert.Equal(t, "ti", cfg.Instances.Prefix)
	assert.Equal(t, "tiny-instancer", cfg.Instances.ManagedBy)
	assert.Equal(t, string(admission.ScopeTeam), cfg.Instances.Scope)
	assert.Equal(t, 30*time.Second, cfg.Runtime.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.Runtime.StopTimeout)
	assert.Equal(t, 3*time.Second, cfg.Reaper.Interval)
	assert.Equal(t, "ti-traefik", cfg.Proxy.Container)
	assert.Equal(t, "permanent-https-redirect@file", cfg.Proxy.RedirectMiddleware)
	assert.True(t, cfg.Proxy.TCPRouteBySNI)
	assert.Equal(t, auth.ProviderLocal, cfg.Auth.Provider)
	assert.Equal(t, cache.BackendNone, cfg.Cache.Backend)
	assert.Equal(t, cache.DefaultTTL, cfg.Cache.TTL)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: 127.0.0.1:8080
  rate_limit: 0
instances:
  base_domain: chall.example.com
  scope: challenge
  lock_timeout: 5s
proxy:
  tcp_port: 31337
  tcp_route_by_sni: false
  cert_resolver: le
reaper:
  interval: 10s
  concurrency: 2
auth:
  provider: rctf
  args:
    rctf_url: https://rctf.example.com
cache:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
`)

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Zero(t, cfg.Server.RateLimit)
	assert.Equal(t, "chall.example.com", cfg.Instances.BaseDomain)
	assert.Equal(t, 5*time.Second, cfg.Instances.LockTimeout)
	assert.Equal(t, "https://rctf.example.com", cfg.Auth.Args["rctf_url"])

	adm := cfg.Admission()
	assert.Equal(t, admission.ScopeChallenge, adm.Scope)
	assert.Equal(t, 5*time.Second, adm.LockTimeout)

	ing := cfg.Ingress()
	assert.Equal(t, 31337, ing.TCPPort)
	assert.False(t, ing.TCPRouteBySNI)
	assert.Equal(t, "le", ing.CertResolver)

	rp := cfg.ReaperConfig()
	assert.Equal(t, 10*time.Second, rp.Interval)
	assert.Equal(t, 2, rp.Concurrency)

	tc := cfg.TokenCache()
	assert.Equal(t, cache.BackendRedis, tc.Backend)
	assert.Equal(t, "redis:6379", tc.RedisAddr)
	assert.Equal(t, 2, tc.RedisDB)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
instances:
  base_domain: file.example.com
log:
  level: info
`)
	t.Setenv("INSTANCER_INSTANCES_BASE_DOMAIN", "env.example.com")
	t.Setenv("INSTANCER_LOG_LEVEL", "debug")

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "env.example.com", cfg.Instances.BaseDomain)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadExplicitOverride(t *testing.T) {
	t.Setenv("INSTANCER_INSTANCES_BASE_DOMAIN", "ctf.example.org")

	v := viper.New()
	v.Set("log.level", "warn")

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("INSTANCER_INSTANCES_BASE_DOMAIN", "ctf.example.org")

	_, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	t.Setenv("INSTANCER_INSTANCES_BASE_DOMAIN", "ctf.example.org")
	valid := func(t *testing.T) *Config {
		cfg, err := Load(nil, "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing base domain", func(c *Config) { c.Instances.BaseDomain = "" }, "instances.base_domain is required"},
		{"unknown scope", func(c *Config) { c.Instances.Scope = "global" }, "instances.scope"},
		{"zero lock timeout", func(c *Config) { c.Instances.LockTimeout = 0 }, "instances.lock_timeout"},
		{"zero reaper interval", func(c *Config) { c.Reaper.Interval = 0 }, "reaper.interval"},
		{"zero reaper concurrency", func(c *Config) { c.Reaper.Concurrency = 0 }, "reaper.concurrency"},
		{"unknown provider", func(c *Config) { c.Auth.Provider = "oauth" }, "unknown auth.provider"},
		{"rctf without url", func(c *Config) { c.Auth.Provider = auth.ProviderRCTF }, "rctf_url"},
		{"ctfd without secret", func(c *Config) { c.Auth.Provider = auth.ProviderCTFd }, "auth.args.secret"},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, "unknown cache.backend"},
		{"bolt without path", func(c *Config) {
			c.Cache.Backend = cache.BackendBolt
			c.Cache.Path = ""
		}, "cache.path"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "server.rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Setenv("INSTANCER_INSTANCES_BASE_DOMAIN", "ctf.example.org")
	cfg, err := Load(nil, "")
	require.NoError(t, err)

	cfg.Instances.BaseDomain = ""
	cfg.Reaper.Interval = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instances.base_domain")
	assert.Contains(t, err.Error(), "reaper.interval")
}

func TestDecodeSkipsValidation(t *testing.T) {
	t.Setenv("INSTANCER_INSTANCES_BASE_DOMAIN", "")

	cfg, err := Decode(nil, "")
	require.NoError(t, err)
	assert.Empty(t, cfg.Instances.BaseDomain)
	assert.Error(t, cfg.Validate())
}
