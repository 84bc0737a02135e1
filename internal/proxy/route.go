package proxy

import (
	"sort"
	"strings"
	"time"

	"github.com/pendingjustification/pjedge/internal/config"
)

const defaultRoute = "default"

// Route is the resolved cache policy for a path.
type Route struct {
	Name string
	TTL  time.Duration
}

// Router resolves paths to routes by longest matching prefix.
type Router struct {
	routes   []config.RouteConfig
	fallback Route
}

func NewRouter(routes []config.RouteConfig, defaultTTL time.Duration) *Router {
	sorted := append([]config.RouteConfig(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Router{routes: sorted, fallback: Route{Name: defaultRoute, TTL: defaultTTL}}
}

// Match returns the route for path. A prefix matches whole segments only,
// so /a/jaas does not match /a/jaasx.
func (r *Router) Match(path string) Route {
	for _, rc := range r.routes {
		prefix := strings.TrimRight(rc.Prefix, "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			name := rc.Name
			if name == "" {
				name = rc.Prefix
			}
			return Route{Name: name, TTL: rc.TTL}
		}
	}
	return r.fallback
}
