package orchestrator

import (
	"sync"
	"time"

	"github.com/embedchat/widgetcore/internal/auth"
	"github.com/embedchat/widgetcore/internal/retry"
)

// instanceKey identifies a singleton orchestrator
type instanceKey struct {
	ClientID string
	AgentID  string
}

// Deps are the collaborators shared by every instance a registry hands out
type Deps struct {
	Auth     *auth.Service
	Executor *retry.Executor
	Policy   *retry.Policy
	// ConfigTTL applies to every instance; nil keeps the default, zero or
	// negative disables the cache
	ConfigTTL *time.Duration
}

// Registry owns per-(clientID, agentID) orchestrator singletons. It is an
// explicit object constructed by the application, not ambient global
// state, so tests build a fresh one.
type Registry struct {
	deps Deps

	mu        sync.Mutex
	instances map[instanceKey]*Service
}

// NewRegistry creates an empty registry
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:      deps,
		instances: make(map[instanceKey]*Service),
	}
}

// Instance returns the singleton for (clientID, agentID), creating it on
// first use. disableCache forces a fresh, unshared instance.
func (r *Registry) Instance(clientID, agentID, baseURL string, disableCache bool) *Service {
	opts := Options{
		BaseURL:   baseURL,
		ClientID:  clientID,
		AgentID:   agentID,
		Auth:      r.deps.Auth,
		Executor:  r.deps.Executor,
		Policy:    r.deps.Policy,
		ConfigTTL: r.deps.ConfigTTL,
	}
	if disableCache {
		return NewService(opts)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := instanceKey{ClientID: clientID, AgentID: agentID}
	if svc, ok := r.instances[key]; ok {
		return svc
	}
	svc := NewService(opts)
	r.instances[key] = svc
	return svc
}

// ClearInstance drops the singleton for (clientID, agentID)
func (r *Registry) ClearInstance(clientID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceKey{ClientID: clientID, AgentID: agentID})
}

// ClearAllInstances drops every singleton
func (r *Registry) ClearAllInstances() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[instanceKey]*Service)
}
