package proxy

import (
	"strings"

	"github.com/kelmah/gateway/internal/config"
)

// Rewrite replaces a leading sub-path once the route prefix is stripped.
type Rewrite struct {
	From string
	To   string
}

// Target describes where a public prefix is forwarded.
type Target struct {
	Service      string
	Prefix       string // public mount point
	TargetPrefix string // mount point the downstream expects
	Rewrites     []Rewrite
}

// TargetFromConfig converts a route entry. An empty target prefix keeps the
// public one.
func TargetFromConfig(rc config.RouteConfig) Target {
	t := Target{
		Service:      rc.Service,
		Prefix:       strings.TrimSuffix(rc.Prefix, "/"),
		TargetPrefix: strings.TrimSuffix(rc.TargetPrefix, "/"),
	}
	if rc.TargetPrefix == "" {
		t.TargetPrefix = t.Prefix
	}
	for _, rw := range rc.Rewrites {
		t.Rewrites = append(t.Rewrites, Rewrite{From: rw.From, To: rw.To})
	}
	return t
}

// Matches reports whether path falls under the target's public prefix on a
// segment boundary.
func (t Target) Matches(path string) bool {
	if t.Prefix == "" {
		return true
	}
	return path == t.Prefix || strings.HasPrefix(path, t.Prefix+"/")
}

// Path maps an inbound path onto the downstream's mount point.
func (t Target) Path(path string) string {
	rest := path
	if t.Matches(path) {
		rest = path[len(t.Prefix):]
	}

	for _, rw := range t.Rewrites {
		if rest == rw.From || strings.HasPrefix(rest, rw.From+"/") {
			rest = rw.To + rest[len(rw.From):]
			break
		}
	}

	out := t.TargetPrefix + rest
	if out == "" {
		return "/"
	}
	return out
}
