package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

type ComponentHealth struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// HealthCheck remembers the outcome of the last probe per collaborator.
type HealthCheck struct {
	clock clock.Clock

	mu         sync.RWMutex
	components map[string]ComponentHealth
}

func NewHealthCheck(c clock.Clock) *HealthCheck {
	if c == nil {
		c = clock.New()
	}
	return &HealthCheck{clock: c, components: make(map[string]ComponentHealth)}
}

func (h *HealthCheck) Check(ctx context.Context, name string, probe func(context.Context) error) bool {
	err := probe(ctx)
	ch := ComponentHealth{Name: name, Healthy: err == nil, LastCheck: h.clock.Now()}
	if err != nil {
		ch.Error = err.Error()
		log.Warn().Str("module", "resilience.health").Str("component", name).Err(err).Msg("health probe failed")
	}

	h.mu.Lock()
	h.components[name] = ch
	h.mu.Unlock()
	return ch.Healthy
}

// Snapshot is sorted by name. Healthy is false if any component is unhealthy.
func (h *HealthCheck) Snapshot() (healthy bool, components []ComponentHealth) {
	h.mu.RLock()
	components = make([]ComponentHealth, 0, len(h.components))
	for _, c := range h.components {
		components = append(components, c)
	}
	h.mu.RUnlock()

	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	healthy = true
	for _, c := range components {
		healthy = healthy && c.Healthy
	}
	return healthy, components
}
