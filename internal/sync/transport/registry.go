package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultEndpoint names the fallback route.
const DefaultEndpoint = "default"

// Route is where an entity type is delivered.
type Route struct {
	Endpoint  string
	Transport Transport
}

// Registry maps entity-type tags to routes. Unregistered tags use the
// default route.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]Route
	def    *Route
}

// NewRegistry creates a Registry whose default route uses t.
func NewRegistry(t Transport) *Registry {
	r := &Registry{routes: make(map[string]Route)}
	if t != nil {
		r.def = &Route{Endpoint: DefaultEndpoint, Transport: t}
	}
	return r
}

// Register routes entityType to t under the breaker endpoint name.
func (r *Registry) Register(entityType, endpoint string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[normalize(entityType)] = Route{Endpoint: endpoint, Transport: t}
}

// Resolve returns the route for entityType.
func (r *Registry) Resolve(entityType string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if route, ok := r.routes[normalize(entityType)]; ok {
		return route, true
	}
	if r.def != nil {
		return *r.def, true
	}
	return Route{}, false
}

// Routes returns every distinct route, default first when present.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Route
	if r.def != nil {
		out = append(out, *r.def)
		seen[r.def.Endpoint] = true
	}
	keys := make([]string, 0, len(r.routes))
	for k := range r.routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		route := r.routes[k]
		if !seen[route.Endpoint] {
			seen[route.Endpoint] = true
			out = append(out, route)
		}
	}
	return out
}

// Validate checks the table at startup.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.def == nil && len(r.routes) == 0 {
		return fmt.Errorf("no transports registered")
	}
	for tag, route := range r.routes {
		if tag == "" {
			return fmt.Errorf("empty entity type in transport registry")
		}
		if strings.TrimSpace(route.Endpoint) == "" {
			return fmt.Errorf("entity type %q has no endpoint name", tag)
		}
		if route.Transport == nil {
			return fmt.Errorf("entity type %q has no transport", tag)
		}
	}
	return nil
}

func normalize(entityType string) string {
	return strings.ToLower(strings.TrimSpace(entityType))
}
