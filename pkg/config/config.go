package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cuemby/instancer/pkg/admission"
	"github.com/cuemby/instancer/pkg/auth"
	"github.com/cuemby/instancer/pkg/cache"
	"github.com/cuemby/instancer/pkg/captcha"
	"github.com/cuemby/instancer/pkg/ingress"
	"github.com/cuemby/instancer/pkg/provisioner"
	"github.com/cuemby/instancer/pkg/reaper"
)

// EnvPrefix prefixes environment overrides, e.g. INSTANCER_INSTANCES_BASE_DOMAIN
const EnvPrefix = "INSTANCER"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Instances InstancesConfig `mapstructure:"instances"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`            // HTTP listen address
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`      // Request read timeout
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`     // Must exceed a full provisioning run
	UseProxyHeaders bool          `mapstructure:"use_proxy_headers"` // Trust X-Forwarded-For / X-Real-IP
	RateLimit       float64       `mapstructure:"rate_limit"`        // Requests per second per client, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type RuntimeConfig struct {
	DockerHost  string        `mapstructure:"docker_host"`  // Empty uses DOCKER_HOST or the default socket
	CallTimeout time.Duration `mapstructure:"call_timeout"` // Bound on each runtime call
	StopTimeout time.Duration `mapstructure:"stop_timeout"` // Grace period before containers are killed
	PullImages  bool          `mapstructure:"pull_images"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"` // challenges.yaml or a directory of challenge.yml files
}

type InstancesConfig struct {
	BaseDomain    string        `mapstructure:"base_domain"` // Required
	Prefix        string        `mapstructure:"prefix"`
	ManagedBy     string        `mapstructure:"managed_by"`
	Scope         string        `mapstructure:"scope"` // team or challenge
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	MaxRetries    uint64        `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type ProxyConfig struct {
	Container          string `mapstructure:"container"`
	HTTPEntrypoint     string `mapstructure:"http_entrypoint"`
	HTTPSEntrypoint    string `mapstructure:"https_entrypoint"`
	TCPEntrypoint      string `mapstructure:"tcp_entrypoint"`
	HTTPPort           int    `mapstructure:"http_port"`
	HTTPSPort          int    `mapstructure:"https_port"`
	TCPPort            int    `mapstructure:"tcp_port"`
	RedirectMiddleware string `mapstructure:"redirect_middleware"`
	CertResolver       string `mapstructure:"cert_resolver"`
	TCPRouteBySNI      bool   `mapstructure:"tcp_route_by_sni"`
}

type ReaperConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

type AuthConfig struct {
	Provider string            `mapstructure:"provider"` // local, rctf or ctfd
	Args     map[string]string `mapstructure:"args"`
	Timeout  time.Duration     `mapstructure:"timeout"`
}

type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // none, bolt or redis
	TTL     time.Duration `mapstructure:"ttl"`
	Path    string        `mapstructure:"path"`
	Prefix  string        `mapstructure:"prefix"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CaptchaConfig struct {
	SiteKey string `mapstructure:"site_key"`
	Secret  string `mapstructure:"secret"`
}

type MetricsConfig struct {
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

// SetDefaults registers the default of every key. Keys without a default
// cannot be overridden from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":1337")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "3m")
	v.SetDefault("server.use_proxy_headers", false)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("runtime.docker_host", "")
	v.SetDefault("runtime.call_timeout", "30s")
	v.SetDefault("runtime.stop_timeout", "5s")
	v.SetDefault("runtime.pull_images", true)

	v.SetDefault("catalog.path", "challenges.yaml")

	v.SetDefault("instances.base_domain", "")
	v.SetDefault("instances.prefix", "ti")
	v.SetDefault("instances.managed_by", "tiny-instancer")
	v.SetDefault("instances.scope", string(admission.ScopeTeam))
	v.SetDefault("instances.lock_timeout", "30s")
	v.SetDefault("instances.max_retries", 3)
	v.SetDefault("instances.retry_interval", "250ms")

	v.SetDefault("proxy.container", "ti-traefik")
	v.SetDefault("proxy.http_entrypoint", "web")
	v.SetDefault("proxy.https_entrypoint", "websecure")
	v.SetDefault("proxy.tcp_entrypoint", "tcp")
	v.SetDefault("proxy.http_port", 80)
	v.SetDefault("proxy.https_port", 443)
	v.SetDefault("proxy.tcp_port", 1337)
	v.SetDefault("proxy.redirect_middleware", "permanent-https-redirect@file")
	v.SetDefault("proxy.cert_resolver", "")
	v.SetDefault("proxy.tcp_route_by_sni", true)

	v.SetDefault("reaper.interval", "3s")
	v.SetDefault("reaper.concurrency", 4)

	v.SetDefault("auth.provider", auth.ProviderLocal)
	v.SetDefault("auth.args", map[string]string{})
	v.SetDefault("auth.timeout", "10s")

	v.SetDefault("cache.backend", cache.BackendNone)
	v.SetDefault("cache.ttl", cache.DefaultTTL.String())
	v.SetDefault("cache.path", "/var/lib/instancer/tokens.db")
	v.SetDefault("cache.prefix", "ti")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("captcha.site_key", "")
	v.SetDefault("captcha.secret", "")

	v.SetDefault("metrics.collect_interval", "15s")
}

// Load reads path (optional) on top of the defaults, applies INSTANCER_*
// environment overrides and validates the result. v may carry flag
// bindings; nil uses a fresh instance.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg, err := Decode(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode is Load without validation, for offline commands that only need
// part of the configuration
func Decode(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the instancer cannot run with
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Instances.BaseDomain == "" {
		fail("instances.base_domain is required")
	}
	if c.Instances.Prefix == "" {
		fail("instances.prefix must not be empty")
	}
	if !admission.Scope(c.Instances.Scope).Valid() {
		fail("instances.scope must be %q or %q, got %q", admission.ScopeTeam, admission.ScopeChallenge, c.Instances.Scope)
	}
	if c.Instances.LockTimeout <= 0 {
		fail("instances.lock_timeout must be positive")
	}
	if c.Runtime.CallTimeout <= 0 {
		fail("runtime.call_timeout must be positive")
	}
	if c.Runtime.StopTimeout < 0 {
		fail("runtime.stop_timeout must not be negative")
	}
	if c.Reaper.Interval <= 0 {
		fail("reaper.interval must be positive")
	}
	if c.Reaper.Concurrency <= 0 {
		fail("reaper.concurrency must be positive")
	}
	if c.Metrics.CollectInterval <= 0 {
		fail("metrics.collect_interval must be positive")
	}
	if c.Server.RateLimit < 0 {
		fail("server.rate_limit must not be negative")
	}
	if err := c.Ingress().CheckConfig(); err != nil {
		fail("proxy: %w", err)
	}

	switch c.Auth.Provider {
	case auth.ProviderLocal:
	case auth.ProviderRCTF:
		if c.Auth.Args["rctf_url"] == "" {
			fail("auth.args.rctf_url is required for the rctf provider")
		}
	case auth.ProviderCTFd:
		if c.Auth.Args["secret"] == "" {
			fail("auth.args.secret is required for the ctfd provider")
		}
	default:
		fail("unknown auth.provider %q", c.Auth.Provider)
	}

	switch c.Cache.Backend {
	case cache.BackendNone, cache.BackendRedis:
	case cache.BackendBolt:
		if c.Cache.Path == "" {
			fail("cache.path is required for the bolt backend")
		}
	default:
		fail("unknown cache.backend %q", c.Cache.Backend)
	}

	return errors.Join(errs...)
}

// Ingress returns the routing label configuration
func (c *Config) Ingress() ingress.Config {
	return ingress.Config{
		HTTPEntrypoint:     c.Proxy.HTTPEntrypoint,
		HTTPSEntrypoint:    c.Proxy.HTTPSEntrypoint,
		TCPEntrypoint:      c.Proxy.TCPEntrypoint,
		HTTPPort:           c.Proxy.HTTPPort,
		HTTPSPort:          c.Proxy.HTTPSPort,
		TCPPort:            c.Proxy.TCPPort,
		RedirectMiddleware: c.Proxy.RedirectMiddleware,
		CertResolver:       c.Proxy.CertResolver,
		TCPRouteBySNI:      c.Proxy.TCPRouteBySNI,
	}
}

// Provisioner returns the provisioner configuration
func (c *Config) Provisioner() provisioner.Config {
	return provisioner.Config{
		CallTimeout:    c.Runtime.CallTimeout,
		StopTimeout:    c.Runtime.StopTimeout,
		ProxyContainer: c.Proxy.Container,
		PullImages:     c.Runtime.PullImages,
	}
}

// Admission returns the admission controller configuration
func (c *Config) Admission() admission.Config {
	def := admission.DefaultConfig()
	return admission.Config{
		Scope:         admission.Scope(c.Instances.Scope),
		LockTimeout:   c.Instances.LockTimeout,
		MaxRetries:    c.Instances.MaxRetries,
		RetryInterval: c.Instances.RetryInterval,
		RetryMaxWait:  def.RetryMaxWait,
	}
}

// ReaperConfig returns the reaper configuration
func (c *Config) ReaperConfig() reaper.Config {
	return reaper.Config{
		Interval:    c.Reaper.Interval,
		Concurrency: c.Reaper.Concurrency,
	}
}

// TokenCache returns the token cache configuration
func (c *Config) TokenCache() cache.Config {
	return cache.Config{
		Backend:       c.Cache.Backend,
		TTL:           c.Cache.TTL,
		Path:          c.Cache.Path,
		RedisAddr:     c.Cache.Redis.Addr,
		RedisPassword: c.Cache.Redis.Password,
		RedisDB:       c.Cache.Redis.DB,
		Prefix:        c.Cache.Prefix,
	}
}

// AuthProvider returns the auth provider configuration
func (c *Config) AuthProvider() auth.Config {
	return auth.Config{
		Provider: c.Auth.Provider,
		Args:     c.Auth.Args,
		Timeout:  c.Auth.Timeout,
	}
}

// Captcha returns the hCaptcha configuration
func (c *Config) CaptchaConfig() captcha.Config {
	return captcha.Config{
		SiteKey: c.Captcha.SiteKey,
		Secret:  c.Captcha.Secret,
	}
}
