package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

const maxHealthTimeout = 10 * time.Second

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
	}
}

// Load reads and parses a configuration file. An empty path yields the
// built-in defaults with environment overrides applied.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		expanded := l.expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	applyDefaults(cfg)
	l.applyEnvOverrides(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyDefaults fills whatever the YAML left empty. Slices and maps given
// in YAML replace the built-in tables; missing policy fields fall back to
// the standard table entry of the same name.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices()
	}
	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}

	std := DefaultRateLimits()
	if cfg.RateLimits == nil {
		cfg.RateLimits = std
	} else {
		for name, d := range std {
			rl, ok := cfg.RateLimits[name]
			if !ok {
				cfg.RateLimits[name] = d
				continue
			}
			if rl.Window <= 0 {
				rl.Window = d.Window
			}
			if rl.Max <= 0 {
				rl.Max = d.Max
			}
			if rl.SkipPaths == nil {
				rl.SkipPaths = d.SkipPaths
			}
			if rl.Message == "" {
				rl.Message = d.Message
			}
			cfg.RateLimits[name] = rl
		}
	}

	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		cfg.CircuitBreaker.ResetTimeout = def.CircuitBreaker.ResetTimeout
	}
	if cfg.CircuitBreaker.RollingWindow <= 0 {
		cfg.CircuitBreaker.RollingWindow = def.CircuitBreaker.RollingWindow
	}

	hc := &cfg.HealthCheck
	if hc.Interval <= 0 {
		hc.Interval = def.HealthCheck.Interval
	}
	if hc.Timeout <= 0 || hc.Timeout > maxHealthTimeout {
		hc.Timeout = maxHealthTimeout
	}
	if hc.Path == "" {
		hc.Path = def.HealthCheck.Path
	}
	if hc.FallbackPath == "" {
		hc.FallbackPath = def.HealthCheck.FallbackPath
	}

	if cfg.Proxy.Timeout <= 0 {
		cfg.Proxy.Timeout = def.Proxy.Timeout
	}
	if cfg.Proxy.IdentityHeader == "" {
		cfg.Proxy.IdentityHeader = def.Proxy.IdentityHeader
	}
	if cfg.Body.MaxBytes <= 0 {
		cfg.Body.MaxBytes = def.Body.MaxBytes
	}
	if cfg.Shutdown.Timeout <= 0 {
		cfg.Shutdown.Timeout = def.Shutdown.Timeout
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}

	for i := range cfg.Routes {
		if cfg.Routes[i].Policy == "" {
			cfg.Routes[i].Policy = PolicyGeneral
		}
	}
}

// applyEnvOverrides layers deployment environment variables on top of the
// file: service URLs and health paths, the shared store, policy limits.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v, ok := l.lookupEnv("API_GATEWAY_PORT"); ok && v != "" {
		cfg.Listen.Address = ":" + v
	} else if v, ok := l.lookupEnv("PORT"); ok && v != "" {
		cfg.Listen.Address = ":" + v
	}
	if v, ok := l.lookupEnv("GATEWAY_ENV"); ok && v != "" {
		cfg.Environment = v
	}
	if v, ok := l.lookupEnv("REDIS_URL"); ok && v != "" {
		cfg.Redis.URL = v
	}
	if v, ok := l.lookupEnv("FRONTEND_URL"); ok && v != "" {
		cfg.CORS.AllowOrigins = appendUnique(cfg.CORS.AllowOrigins, v)
	}
	if v, ok := l.lookupEnv("TRUSTED_PROXIES"); ok && v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.TrustedProxies = appendUnique(cfg.TrustedProxies, p)
			}
		}
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		prefix := EnvName(svc.Name)
		if v, ok := l.lookupEnv(prefix + "_SERVICE_URL"); ok && v != "" {
			svc.URL = v
		}
		if v, ok := l.lookupEnv(prefix + "_HEALTH_PATH"); ok && v != "" {
			svc.HealthPath = v
		}
	}

	for name, rl := range cfg.RateLimits {
		prefix := "RATE_LIMIT_" + EnvName(name)
		if v, ok := l.lookupEnv(prefix + "_MAX"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				rl.Max = n
			}
		}
		if v, ok := l.lookupEnv(prefix + "_WINDOW"); ok {
			if d, err := time.ParseDuration(v); err == nil {
				rl.Window = d
			}
		}
		cfg.RateLimits[name] = rl
	}
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// EnvName converts a service or policy name into its environment variable
// form: "jobCreation" -> "JOB_CREATION", "user-svc" -> "USER_SVC".
func EnvName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '-' || r == '.' || r == ' ':
			b.WriteByte('_')
		case unicode.IsUpper(r) && i > 0:
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// validate checks configuration for errors. Service URLs are deliberately
// not validated here: a bad URL disables routes to that service instead of
// refusing to start.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	switch cfg.Environment {
	case "development", "production", "test":
	default:
		return fmt.Errorf("invalid environment: %s", cfg.Environment)
	}

	if cfg.Redis.URL != "" {
		if _, err := url.Parse(cfg.Redis.URL); err != nil {
			return fmt.Errorf("redis.url: %w", err)
		}
	}

	if _, err := ParseCIDRs(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("trusted_proxies: %w", err)
	}

	services := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if services[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		services[svc.Name] = true
		if svc.HealthPath != "" && !strings.HasPrefix(svc.HealthPath, "/") {
			return fmt.Errorf("service %s: health_path must start with /", svc.Name)
		}
	}

	for name, rl := range cfg.RateLimits {
		if rl.Window <= 0 {
			return fmt.Errorf("rate_limits.%s: window must be > 0", name)
		}
		if rl.Max <= 0 {
			return fmt.Errorf("rate_limits.%s: max must be > 0", name)
		}
	}

	prefixes := make(map[string]bool, len(cfg.Routes))
	for i, route := range cfg.Routes {
		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("route %d: prefix must start with /", i)
		}
		if prefixes[route.Prefix] {
			return fmt.Errorf("duplicate route prefix: %s", route.Prefix)
		}
		prefixes[route.Prefix] = true
		if route.Service == "" {
			return fmt.Errorf("route %s: service is required", route.Prefix)
		}
		if route.TargetPrefix != "" && !strings.HasPrefix(route.TargetPrefix, "/") {
			return fmt.Errorf("route %s: target_prefix must start with /", route.Prefix)
		}
		if _, ok := cfg.RateLimits[route.Policy]; !ok {
			return fmt.Errorf("route %s: unknown policy %q", route.Prefix, route.Policy)
		}
		for j, rule := range route.Rules {
			if _, ok := cfg.RateLimits[rule.Policy]; !ok {
				return fmt.Errorf("route %s rule %d: unknown policy %q", route.Prefix, j, rule.Policy)
			}
			if !doublestar.ValidatePattern(rule.Path) {
				return fmt.Errorf("route %s rule %d: invalid path pattern %q", route.Prefix, j, rule.Path)
			}
			for _, m := range rule.Methods {
				if !validHTTPMethods[strings.ToUpper(m)] {
					return fmt.Errorf("route %s rule %d: invalid method %q", route.Prefix, j, m)
				}
			}
		}
		for j, rw := range route.Rewrites {
			if !strings.HasPrefix(rw.From, "/") || !strings.HasPrefix(rw.To, "/") {
				return fmt.Errorf("route %s rewrite %d: from and to must start with /", route.Prefix, j)
			}
		}
	}

	return nil
}
