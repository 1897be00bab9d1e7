package strategy

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// Registry is the expert pool: every strategy available to the router,
// indexed by name and kept in registration order.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Strategy
	order  []Strategy
}

// NewRegistry creates a Registry holding the given strategies.
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	r := &Registry{byName: make(map[string]Strategy)}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a strategy. Names must be unique and tiers positive.
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return eris.New("strategy: register nil strategy")
	}
	if s.Name() == "" {
		return eris.New("strategy: register strategy without name")
	}
	if s.Tier() < 1 {
		return eris.Errorf("strategy: %s has invalid tier %d", s.Name(), s.Tier())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[s.Name()]; dup {
		return eris.Errorf("strategy: duplicate strategy name %q", s.Name())
	}
	r.byName[s.Name()] = s
	r.order = append(r.order, s)
	return nil
}

// Get returns the named strategy.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// All returns every strategy in registration order.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Tiers returns the distinct cost tiers present, ascending.
func (r *Registry) Tiers() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[int]bool)
	var tiers []int
	for _, s := range r.order {
		if !seen[s.Tier()] {
			seen[s.Tier()] = true
			tiers = append(tiers, s.Tier())
		}
	}
	sort.Ints(tiers)
	return tiers
}

// AtTier returns the strategies declared at exactly tier.
func (r *Registry) AtTier(tier int) []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Strategy
	for _, s := range r.order {
		if s.Tier() == tier {
			out = append(out, s)
		}
	}
	return out
}

// Viable reports whether any strategy at or below maxTier has a non-zero fit
// for task. A maxTier of 0 means no ceiling.
func (r *Registry) Viable(task model.Task, maxTier int) bool {
	for _, s := range r.All() {
		if maxTier > 0 && s.Tier() > maxTier {
			continue
		}
		if s.Fit(task) > 0 {
			return true
		}
	}
	return false
}
