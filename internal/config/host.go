// Package config resolves the toolbar host configuration from defaults, a
// YAML file, the environment and command line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

// HostConfig holds configuration for the toolbar host.
type HostConfig struct {
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"`
	ConfigFile  string `yaml:"-"`
	LogLevel    string `yaml:"log_level"`

	SentryOrigin     string `yaml:"sentry_origin"`
	SentryRegion     string `yaml:"sentry_region"`
	SentryAPIPath    string `yaml:"sentry_api_path"`
	OrganizationSlug string `yaml:"organization_slug"`
	ProjectIDOrSlug  string `yaml:"project_id_or_slug"`
	Environment      string `yaml:"environment"`
	Debug            bool   `yaml:"debug"`
	// VisibleFrame renders the frame as a visible login pill instead of a
	// hidden element. It is read once at startup.
	VisibleFrame bool `yaml:"visible_frame"`

	RedisAddr      string        `yaml:"redis_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PortTTL        time.Duration `yaml:"port_ttl"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// SetDefaults initializes c with built-in defaults.
func (c *HostConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PortTTL == 0 {
		c.PortTTL = 30 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("host.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *HostConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("SENTRY_ORIGIN", ""); v != "" {
		c.SentryOrigin = v
	}
	if v := getEnv("SENTRY_REGION", ""); v != "" {
		c.SentryRegion = v
	}
	if v := getEnv("SENTRY_API_PATH", ""); v != "" {
		c.SentryAPIPath = v
	}
	if v := getEnv("SENTRY_ORGANIZATION", ""); v != "" {
		c.OrganizationSlug = v
	}
	if v := getEnv("SENTRY_PROJECT", ""); v != "" {
		c.ProjectIDOrSlug = v
	}
	if v := getEnv("SENTRY_ENVIRONMENT", ""); v != "" {
		c.Environment = v
	}
	if b, ok := parseBool(getEnv("TOOLBAR_DEBUG", "")); ok {
		c.Debug = b
	}
	if b, ok := parseBool(getEnv("TOOLBAR_VISIBLE_IFRAME", "")); ok {
		c.VisibleFrame = b
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := getEnv("PORT_TTL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PortTTL = d
		}
	}
	if v := getEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current
// values as defaults.
func (c *HostConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "host config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	fs.StringVar(&c.SentryOrigin, "sentry-origin", c.SentryOrigin, "origin of the sentry instance, e.g. https://acme.sentry.io")
	fs.StringVar(&c.SentryRegion, "sentry-region", c.SentryRegion, "sentry cloud region (us, de)")
	fs.StringVar(&c.SentryAPIPath, "sentry-api-path", c.SentryAPIPath, "API path prefix; derived from the region when empty")
	fs.StringVar(&c.OrganizationSlug, "organization", c.OrganizationSlug, "organization users log in to")
	fs.StringVar(&c.ProjectIDOrSlug, "project", c.ProjectIDOrSlug, "project id or slug associated with this site")
	fs.StringVar(&c.Environment, "environment", c.Environment, "deployment environment")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "log bridge activity at info level and enable frame logging")
	fs.BoolVar(&c.VisibleFrame, "visible-frame", c.VisibleFrame, "render the frame as a visible login pill")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the status snapshot")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.Func("request-timeout", "timeout in seconds for /api/exec calls (0 disables)", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.DurationVar(&c.PortTTL, "port-ttl", c.PortTTL, "how long an unclaimed frame port stays open")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
}

// MetricsListenAddr is the metrics address, defaulting to the main port.
func (c HostConfig) MetricsListenAddr() string {
	if c.MetricsAddr != "" {
		return c.MetricsAddr
	}
	return fmt.Sprintf(":%d", c.Port)
}

// LoadFile populates the config from a YAML file.
func (c *HostConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Resolve applies defaults, the config file (if present), the environment and
// then args, and validates the result.
func Resolve(args []string) (HostConfig, error) {
	var c HostConfig
	c.SetDefaults()
	c.ApplyEnv()

	// the config file may only be chosen by env or flag
	pre := flag.NewFlagSet("toolbar-host", flag.ContinueOnError)
	pre.SetOutput(discard{})
	path := pre.String("config", c.ConfigFile, "")
	_ = pre.Parse(filterConfigFlag(args))
	c.ConfigFile = *path

	if err := c.LoadFile(c.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return c, fmt.Errorf("load config %s: %w", c.ConfigFile, err)
	}
	c.ApplyEnv()

	fs := flag.NewFlagSet("toolbar-host", flag.ContinueOnError)
	c.BindFlagsFromCurrent(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	// defaults were applied first; a zero set by any layer stays zero
	return c, c.Validate()
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// filterConfigFlag keeps only the -config flag so the pre-parse does not fail
// on flags it does not know.
func filterConfigFlag(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		a := strings.TrimLeft(args[i], "-")
		if a == "config" && i+1 < len(args) {
			out = append(out, "-config", args[i+1])
			i++
		} else if strings.HasPrefix(a, "config=") && strings.HasPrefix(args[i], "-") {
			out = append(out, "-"+a)
		}
	}
	return out
}

// Validate reports missing or malformed settings.
func (c HostConfig) Validate() error {
	if err := c.ProxyConfig().Validate(); err != nil {
		return fmt.Errorf("sentry origin: %w", err)
	}
	if c.OrganizationSlug == "" {
		return errors.New("organization is required")
	}
	if c.ProjectIDOrSlug == "" {
		return errors.New("project is required")
	}
	if c.SentryAPIPath != "" && (!strings.HasPrefix(c.SentryAPIPath, "/") || strings.HasSuffix(c.SentryAPIPath, "/")) {
		return fmt.Errorf("sentry api path %q must start with / and have no trailing slash", c.SentryAPIPath)
	}
	switch c.SentryRegion {
	case "", "us", "de":
	default:
		return fmt.Errorf("sentry region %q must be us or de", c.SentryRegion)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout %v must not be negative", c.RequestTimeout)
	}
	return nil
}

// ProxyConfig returns the bridge configuration.
func (c HostConfig) ProxyConfig() proxy.Config {
	return proxy.Config{TrustedOrigin: c.SentryOrigin, Debug: c.Debug}
}

// FrameSrc is the URL of the remote frame that owns the sentry session.
func (c HostConfig) FrameSrc() string {
	logging := 0
	if c.Debug {
		logging = 1
	}
	return fmt.Sprintf("%s/toolbar/%s/%s/iframe/?logging=%d",
		c.SentryOrigin, url.PathEscape(c.OrganizationSlug), url.PathEscape(c.ProjectIDOrSlug), logging)
}

// APIPath is the prefix of the sentry API, honouring the region.
func (c HostConfig) APIPath() string {
	if c.SentryAPIPath != "" {
		return c.SentryAPIPath
	}
	if c.SentryRegion != "" {
		return "/region/" + c.SentryRegion + "/api/0"
	}
	return "/api/0"
}

// RedactedRedisAddr returns RedisAddr with any password masked.
func (c HostConfig) RedactedRedisAddr() string {
	u, err := url.Parse(c.RedisAddr)
	if err != nil || u.User == nil {
		return c.RedisAddr
	}
	if pw, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), mask(pw))
	}
	return u.String()
}

// mask hides all but the edges of long secrets.
func mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}
