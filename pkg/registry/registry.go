// Package registry implements the tool server registry: tool servers
// register their role and endpoint, a prober keeps their health current, and
// stage workers resolve a live endpoint per role.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/querylens/querylens/pkg/models"
)

// ErrNoLiveTool means no healthy endpoint is registered for the role.
var ErrNoLiveTool = errors.New("no live tool server for role")

type entry struct {
	desc models.ToolDescriptor

	// consecutiveFailures drives the healthy → unhealthy → error ladder.
	consecutiveFailures int
}

// Registry is the in-memory registration table. It is the source of truth
// for the registry service; durability is intentionally not provided, as
// tool servers re-register via heartbeat within seconds of a restart.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry // keyed by endpoint
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds or refreshes an endpoint. Registration (and each heartbeat)
// resets the entry to healthy with a fresh last-seen stamp.
func (r *Registry) Register(desc models.ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc.LastSeen = time.Now().UTC()
	desc.Status = models.ToolHealthy
	r.entries[desc.Endpoint] = &entry{desc: desc}
}

// List returns all entries for a role, most recently seen first. Empty role
// returns everything.
func (r *Registry) List(role string) []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ToolDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if role == "" || e.desc.Role == role {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Healthy returns the healthy endpoints for a role, most recently seen first.
func (r *Registry) Healthy(role string) []models.ToolDescriptor {
	all := r.List(role)
	out := all[:0]
	for _, d := range all {
		if d.Status == models.ToolHealthy {
			out = append(out, d)
		}
	}
	return out
}

// RecordProbe applies one probe outcome: success restores healthy, the first
// consecutive failure demotes to unhealthy, the second to error.
func (r *Registry) RecordProbe(endpoint string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[endpoint]
	if !exists {
		return
	}

	if ok {
		e.consecutiveFailures = 0
		e.desc.Status = models.ToolHealthy
		e.desc.LastSeen = time.Now().UTC()
		return
	}

	e.consecutiveFailures++
	if e.consecutiveFailures >= 2 {
		e.desc.Status = models.ToolError
	} else {
		e.desc.Status = models.ToolUnhealthy
	}
}

// SweepStale removes entries not seen within maxAge and returns how many
// were dropped.
func (r *Registry) SweepStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	count := 0
	for endpoint, e := range r.entries {
		if e.desc.LastSeen.Before(cutoff) {
			delete(r.entries, endpoint)
			count++
		}
	}
	return count
}

// Endpoints returns every registered endpoint, for the prober.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for endpoint := range r.entries {
		out = append(out, endpoint)
	}
	sort.Strings(out)
	return out
}
