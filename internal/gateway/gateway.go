package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/kelmah/gateway/internal/circuitbreaker"
	"github.com/kelmah/gateway/internal/config"
	"github.com/kelmah/gateway/internal/health"
	"github.com/kelmah/gateway/internal/logging"
	"github.com/kelmah/gateway/internal/metrics"
	"github.com/kelmah/gateway/internal/middleware"
	"github.com/kelmah/gateway/internal/proxy"
	"github.com/kelmah/gateway/internal/ratelimit"
	"github.com/kelmah/gateway/internal/registry"
)

// Version is stamped at build time.
var Version = "dev"

// Gateway owns every piece of shared state: the service registry and its
// breakers, the health monitor, the admission limiter and the route table.
type Gateway struct {
	config   atomic.Pointer[config.Config]
	registry *registry.Registry
	monitor  *health.Monitor
	limiter  *ratelimit.Limiter
	store    ratelimit.Store
	proxy    *proxy.Proxy
	realIP   *middleware.RealIP
	metrics  *metrics.Collector
	routes   atomic.Pointer[routeTable]
	handler  http.Handler

	// invalid holds services whose registration failed, keyed by name.
	invalid atomic.Pointer[map[string]error]

	reloadMu  sync.Mutex
	closeOnce sync.Once
	startTime time.Time
}

// Option customises New.
type Option func(*options)

type options struct {
	store           ratelimit.Store
	healthTransport http.RoundTripper
	proxyTransport  http.RoundTripper
}

// WithStore replaces the counter store chosen from the redis section.
func WithStore(s ratelimit.Store) Option {
	return func(o *options) { o.store = s }
}

// WithHealthTransport sets the round tripper used by health polls.
func WithHealthTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.healthTransport = rt }
}

// WithProxyTransport sets the round tripper used for forwarded requests.
func WithProxyTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.proxyTransport = rt }
}

// New builds a gateway from cfg. Services with invalid URLs do not fail
// construction; their routes answer CONFIGURATION_ERROR instead.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	realIP, err := middleware.NewRealIP(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted_proxies: %w", err)
	}

	collector := metrics.NewCollector()
	if !cfg.Metrics.IsEnabled() {
		collector = nil
	}

	g := &Gateway{
		metrics:   collector,
		realIP:    realIP,
		startTime: time.Now(),
	}
	g.registry = registry.New(circuitbreaker.WithStateChange(g.onBreakerChange))

	g.monitor = health.NewMonitor(g.registry, health.Config{
		Interval:     cfg.HealthCheck.Interval,
		Timeout:      cfg.HealthCheck.Timeout,
		FallbackPath: cfg.HealthCheck.FallbackPath,
		Transport:    o.healthTransport,
		Metrics:      collector,
	})

	store := o.store
	if store == nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisConnectBudget(cfg.Redis))
		store = ratelimit.NewStore(ctx, cfg.Redis, collector)
		cancel()
	}
	g.store = store
	g.limiter = ratelimit.NewLimiter(store, ratelimit.PoliciesFromConfig(cfg.RateLimits),
		ratelimit.WithMetrics(collector),
		ratelimit.WithKeyFunc(realIP.CallerKey),
	)

	transport := o.proxyTransport
	if transport == nil {
		transport = proxy.NewTransport(cfg.Proxy.Transport)
	}
	g.proxy = proxy.New(proxy.Config{
		Registry:       g.registry,
		Transport:      transport,
		Timeout:        cfg.Proxy.Timeout,
		IdentityHeader: cfg.Proxy.IdentityHeader,
		Debug:          cfg.IsDevelopment(),
		Metrics:        collector,
	})

	g.syncServices(cfg)
	g.config.Store(cfg)
	g.routes.Store(g.buildRoutes(cfg))
	g.handler = g.buildHandler(cfg)

	return g, nil
}

func redisConnectBudget(cfg config.RedisConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return 10 * time.Second
}

func (g *Gateway) onBreakerChange(name string, from, to circuitbreaker.State) {
	g.metrics.RecordBreakerTransition(name, from.String(), to.String())
	g.metrics.SetBreakerState(name, int(to))

	fields := []zap.Field{
		zap.String("service", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == circuitbreaker.StateOpen {
		logging.Warn("circuit breaker opened", fields...)
		return
	}
	logging.Info("circuit breaker state changed", fields...)
}

// syncServices registers every valid service and remembers the invalid ones.
func (g *Gateway) syncServices(cfg *config.Config) registry.SyncResult {
	invalid := make(map[string]error)
	regs := make([]registry.Registration, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		svc, err := registry.ParseService(sc, cfg.HealthCheck.Path)
		if err != nil {
			invalid[sc.Name] = err
			logging.Error("service registration failed, its routes will answer CONFIGURATION_ERROR",
				zap.String("service", sc.Name),
				zap.String("url", sc.URL),
				zap.Error(err),
			)
			continue
		}
		regs = append(regs, registry.Registration{Service: svc, Breaker: cfg.BreakerFor(sc)})
	}
	g.invalid.Store(&invalid)

	res := g.registry.Sync(regs)
	g.monitor.Forget(res.Removed...)
	g.monitor.Forget(res.Replaced...)
	for _, e := range g.registry.Entries() {
		g.metrics.SetBreakerState(e.Service.Name, int(e.Breaker.State()))
	}
	return res
}

func (g *Gateway) buildRoutes(cfg *config.Config) *routeTable {
	invalid := *g.invalid.Load()
	bodyCfg := middleware.BodyConfig{
		MaxBytes: cfg.Body.MaxBytes,
		Sanitize: cfg.Body.SanitizeEnabled(),
	}

	routes := make([]*route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		rt := compileRoute(rc)
		err, bad := invalid[rc.Service]
		if _, registered := g.registry.Lookup(rc.Service); !registered && !bad {
			err, bad = registry.ErrServiceNotFound, true
			logging.Error("route targets an unknown service, it will answer CONFIGURATION_ERROR",
				zap.String("prefix", rc.Prefix),
				zap.String("service", rc.Service),
			)
		}
		if bad {
			rt.handler = g.proxy.ConfigErrorHandler(rc.Service, err)
		} else {
			rt.handler = middleware.NewChain(
				middleware.ParseJSONBody(bodyCfg),
				g.limiter.Middleware(rt.policyFor),
			).Then(g.proxy.Handler(rt.target))
		}
		routes = append(routes, rt)
	}
	return newRouteTable(routes)
}

func (g *Gateway) buildHandler(cfg *config.Config) http.Handler {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = false
	router.HandleOPTIONS = false

	router.GET("/", g.handleRoot)
	router.GET("/health", g.handleHealth)
	router.GET("/health/aggregate", g.handleAggregateHealth)
	router.GET("/health/circuit-breakers", g.handleCircuitBreakers)
	if g.metrics != nil {
		router.Handler(http.MethodGet, cfg.Metrics.Path, g.metrics.Handler())
	}
	router.NotFound = http.HandlerFunc(g.dispatch)

	return middleware.NewBuilder().
		Use(middleware.Recovery(cfg.IsDevelopment())).
		Use(middleware.RequestID()).
		Use(g.realIP.Middleware()).
		Use(middleware.AccessLog(middleware.AccessLogConfig{
			SkipPaths: []string{"/health", cfg.Metrics.Path},
		})).
		UseIf(cfg.Security.IsEnabled(), middleware.SecurityHeaders(cfg.Security)).
		UseIf(cfg.CORS.IsEnabled(), middleware.CORS(cfg.CORS)).
		Handler(router)
}

// dispatch serves every path the fixed endpoints do not claim.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	rt := g.routes.Load().match(r.URL.Path)
	if rt == nil {
		g.notFound(w, r)
		return
	}
	rt.handler.ServeHTTP(w, r)
}

// Handler returns the root handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Config returns the configuration currently in effect.
func (g *Gateway) Config() *config.Config {
	return g.config.Load()
}

// Registry exposes the service registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Monitor exposes the health monitor.
func (g *Gateway) Monitor() *health.Monitor {
	return g.monitor
}

// Limiter exposes the admission limiter.
func (g *Gateway) Limiter() *ratelimit.Limiter {
	return g.limiter
}

// Start launches background work.
func (g *Gateway) Start() {
	g.monitor.Start()
}

// ReloadResult describes one configuration reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload applies a new configuration: services are re-synced (unchanged
// ones keep their breakers), then policies and routes are swapped. Settings
// bound at startup (listen address, redis, proxy transport, health loop
// timing) need a restart.
func (g *Gateway) Reload(cfg *config.Config) ReloadResult {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}
	if cfg == nil {
		result.Error = "nil config"
		return result
	}

	old := g.config.Load()
	res := g.syncServices(cfg)
	g.limiter.SetPolicies(ratelimit.PoliciesFromConfig(cfg.RateLimits))
	g.routes.Store(g.buildRoutes(cfg))
	g.config.Store(cfg)

	result.Success = true
	result.Changes = describeChanges(old, cfg, res)
	logging.Info("configuration applied", zap.Strings("changes", result.Changes))
	return result
}

func describeChanges(old, cfg *config.Config, res registry.SyncResult) []string {
	var changes []string
	for _, n := range res.Added {
		changes = append(changes, "service added: "+n)
	}
	for _, n := range res.Replaced {
		changes = append(changes, "service replaced: "+n)
	}
	for _, n := range res.Removed {
		changes = append(changes, "service removed: "+n)
	}
	if old != nil {
		if len(old.Routes) != len(cfg.Routes) {
			changes = append(changes, fmt.Sprintf("routes: %d -> %d", len(old.Routes), len(cfg.Routes)))
		}
		names := make([]string, 0, len(cfg.RateLimits))
		for name := range cfg.RateLimits {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if prev, ok := old.RateLimits[name]; !ok || prev.Window != cfg.RateLimits[name].Window || prev.Max != cfg.RateLimits[name].Max {
				changes = append(changes, "policy updated: "+name)
			}
		}
		if old.Listen.Address != cfg.Listen.Address {
			changes = append(changes, "listen address change requires restart")
		}
	}
	return changes
}

// Close stops the health loop and releases the counter store.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.monitor.Stop()
		err = g.limiter.Close()
	})
	return err
}
