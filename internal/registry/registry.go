package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/kelmah/gateway/internal/circuitbreaker"
	"github.com/kelmah/gateway/internal/config"
)

// ErrServiceNotFound is returned when a service is not registered.
var ErrServiceNotFound = errors.New("service not found")

// Service is an immutable downstream registration.
type Service struct {
	Name       string
	BaseURL    *url.URL
	HealthPath string
}

// URL returns the service origin as a string.
func (s Service) URL() string {
	return s.BaseURL.String()
}

// ParseService validates a configured service. A missing or malformed URL
// is reported as an error so the caller can disable routes to it.
func ParseService(cfg config.ServiceConfig, defaultHealthPath string) (Service, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return Service{}, fmt.Errorf("service %s: url is empty", cfg.Name)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return Service{}, fmt.Errorf("service %s: %w", cfg.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Service{}, fmt.Errorf("service %s: unsupported scheme %q", cfg.Name, u.Scheme)
	}
	if u.Host == "" {
		return Service{}, fmt.Errorf("service %s: url has no host", cfg.Name)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	hp := cfg.HealthPath
	if hp == "" {
		hp = defaultHealthPath
	}
	return Service{Name: cfg.Name, BaseURL: u, HealthPath: hp}, nil
}

// Entry pairs a registration with the breaker that owns its state.
type Entry struct {
	Service Service
	Breaker *circuitbreaker.Breaker

	breakerCfg config.CircuitBreakerConfig
}

// Registry maps service names to entries. It is the only owner of
// breakers; the proxy and the health monitor look them up here.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	breakerOpts []circuitbreaker.Option
}

// New creates an empty registry. opts are applied to every breaker it creates.
func New(opts ...circuitbreaker.Option) *Registry {
	return &Registry{
		entries:     make(map[string]*Entry),
		breakerOpts: opts,
	}
}

// Register adds or replaces a service. Replacing starts a fresh breaker.
func (r *Registry) Register(svc Service, cb config.CircuitBreakerConfig) *Entry {
	e := &Entry{
		Service:    svc,
		Breaker:    circuitbreaker.NewBreaker(svc.Name, cb, r.breakerOpts...),
		breakerCfg: cb,
	}

	r.mu.Lock()
	r.entries[svc.Name] = e
	r.mu.Unlock()
	return e
}

// Deregister removes a service.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return ErrServiceNotFound
	}
	delete(r.entries, name)
	return nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	return e, ok
}

// Entries returns all entries sorted by name.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Service.Name < out[j].Service.Name })
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Registration is one desired service for Sync.
type Registration struct {
	Service Service
	Breaker config.CircuitBreakerConfig
}

// SyncResult lists what Sync changed.
type SyncResult struct {
	Added, Replaced, Removed, Unchanged []string
}

// Sync makes the registry match regs. Unchanged registrations keep their
// breaker and its state; changed ones are replaced.
func (r *Registry) Sync(regs []Registration) SyncResult {
	var res SyncResult
	want := make(map[string]bool, len(regs))

	for _, reg := range regs {
		want[reg.Service.Name] = true
		existing, ok := r.Lookup(reg.Service.Name)
		switch {
		case !ok:
			r.Register(reg.Service, reg.Breaker)
			res.Added = append(res.Added, reg.Service.Name)
		case sameService(existing.Service, reg.Service) && existing.breakerCfg == reg.Breaker:
			res.Unchanged = append(res.Unchanged, reg.Service.Name)
		default:
			r.Register(reg.Service, reg.Breaker)
			res.Replaced = append(res.Replaced, reg.Service.Name)
		}
	}

	for _, e := range r.Entries() {
		if !want[e.Service.Name] {
			r.Deregister(e.Service.Name)
			res.Removed = append(res.Removed, e.Service.Name)
		}
	}
	return res
}

func sameService(a, b Service) bool {
	return a.Name == b.Name && a.HealthPath == b.HealthPath && a.URL() == b.URL()
}
