package schema

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/blockdb/internal/metrics"
)

// Registry holds the compiled schema of every installed tenant.
//
// Compiled values are immutable; Install swaps the whole tenant entry so
// readers holding the previous value keep a consistent view.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Compiled
	metrics *metrics.Metrics
}

// NewRegistry returns an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{tenants: map[string]*Compiled{}, metrics: m}
}

// Install compiles defs and makes them the tenant's active schema. loadDiags
// report definitions that could not even be loaded; they lead the compiled
// Diagnostics.
func (r *Registry) Install(tenant string, defs []ElementDef, loadDiags ...Diagnostic) *Compiled {
	c := Compile(tenant, defs)
	if len(loadDiags) > 0 {
		c.Diagnostics = append(slices.Clone(loadDiags), c.Diagnostics...)
	}
	r.mu.Lock()
	r.tenants[tenant] = c
	r.mu.Unlock()
	r.metrics.SchemaInstalled(tenant)
	slog.Info("Installed tenant schema", "tenant", tenant, "types", len(c.order), "diagnostics", len(c.Diagnostics))
	return c
}

// Get returns the tenant's compiled schema.
func (r *Registry) Get(tenant string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tenants[tenant]
	return c, ok
}

// Evict removes the tenant. It reports whether the tenant was installed.
func (r *Registry) Evict(tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tenants[tenant]
	delete(r.tenants, tenant)
	return ok
}

// Tenants returns the installed tenants, sorted.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tenants))
	for t := range r.tenants {
		out = append(out, t)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}
