package ratelimit

import (
	"net/http"
	"time"

	"github.com/kelmah/gateway/internal/config"
)

const defaultMessage = "Too many requests, please try again later"

// Policy is one named admission rule: at most Max requests per key within
// Window.
type Policy struct {
	Name   string
	Window time.Duration
	Max    int

	// SkipSuccessful counts only requests answered with status >= 400.
	SkipSuccessful bool
	// SkipPaths are exact request paths exempt from the policy.
	SkipPaths []string
	// SkipIf exempts additional requests.
	SkipIf  func(*http.Request) bool
	Message string
}

func (p *Policy) skip(r *http.Request) bool {
	for _, sp := range p.SkipPaths {
		if r.URL.Path == sp {
			return true
		}
	}
	return p.SkipIf != nil && p.SkipIf(r)
}

func (p *Policy) message() string {
	if p.Message != "" {
		return p.Message
	}
	return defaultMessage
}

// PoliciesFromConfig builds the policy table from configuration.
func PoliciesFromConfig(cfgs map[string]config.RateLimitConfig) map[string]*Policy {
	out := make(map[string]*Policy, len(cfgs))
	for name, c := range cfgs {
		out[name] = &Policy{
			Name:           name,
			Window:         c.Window,
			Max:            c.Max,
			SkipSuccessful: c.SkipSuccessful,
			SkipPaths:      c.SkipPaths,
			Message:        c.Message,
		}
	}
	return out
}
