package gateway

import (
	"net/http"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kelmah/gateway/internal/config"
	"github.com/kelmah/gateway/internal/proxy"
)

// policyRule selects an admission policy by method and path glob.
type policyRule struct {
	methods map[string]bool // empty matches every method
	pattern string
	policy  string
}

func (pr policyRule) matches(r *http.Request) bool {
	if len(pr.methods) > 0 && !pr.methods[r.Method] {
		return false
	}
	ok, err := doublestar.Match(pr.pattern, r.URL.Path)
	return err == nil && ok
}

// route is one compiled entry of the route table.
type route struct {
	target  proxy.Target
	policy  string
	rules   []policyRule
	handler http.Handler
}

// policyFor returns the first matching rule's policy, else the route default.
func (rt *route) policyFor(r *http.Request) string {
	for _, pr := range rt.rules {
		if pr.matches(r) {
			return pr.policy
		}
	}
	return rt.policy
}

// routeTable is immutable once built; reloads swap in a new table.
type routeTable struct {
	routes []*route // longest prefix first
}

func compileRoute(rc config.RouteConfig) *route {
	rt := &route{
		target: proxy.TargetFromConfig(rc),
		policy: rc.Policy,
	}
	if rt.policy == "" {
		rt.policy = config.PolicyGeneral
	}
	for _, rule := range rc.Rules {
		pr := policyRule{pattern: rule.Path, policy: rule.Policy}
		if len(rule.Methods) > 0 {
			pr.methods = make(map[string]bool, len(rule.Methods))
			for _, m := range rule.Methods {
				pr.methods[strings.ToUpper(m)] = true
			}
		}
		rt.rules = append(rt.rules, pr)
	}
	return rt
}

func newRouteTable(routes []*route) *routeTable {
	sorted := make([]*route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].target.Prefix) > len(sorted[j].target.Prefix)
	})
	return &routeTable{routes: sorted}
}

// match returns the route with the longest prefix covering path.
func (t *routeTable) match(path string) *route {
	if t == nil {
		return nil
	}
	for _, rt := range t.routes {
		if rt.target.Matches(path) {
			return rt
		}
	}
	return nil
}
