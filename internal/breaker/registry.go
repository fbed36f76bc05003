package breaker

import (
	"sort"
	"sync"
	"time"
)

// Well-known dependency keys.
const (
	KeyGasSponsorship  = "gas-sponsorship"
	KeyGasOracle       = "gas-oracle"
	KeyChainRPC        = "chain-rpc"
	KeyReservePipeline = "reserve-pipeline"
	KeyFacilitator     = "facilitator"
)

// Registry hands out one Breaker per key.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	overrides map[string]Config
	now       func() time.Time
	breakers  map[string]*Breaker
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithClock injects the clock shared by every breaker in the registry.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithOverride gives key its own configuration.
func WithOverride(key string, cfg Config) RegistryOption {
	return func(r *Registry) { r.overrides[key] = cfg }
}

// NewRegistry builds a registry whose breakers default to cfg.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:       cfg,
		overrides: make(map[string]Config),
		now:       time.Now,
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.cfg
	if override, ok := r.overrides[key]; ok {
		cfg = override
	}
	b := New(key, cfg, r.now)
	r.breakers[key] = b
	return b
}

// Snapshots lists every breaker created so far, ordered by key.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
