package dispatcher

import (
	"sync"

	"github.com/ransomeye/coreplane/infrastructure/utils"
	"github.com/ransomeye/coreplane/internal/coreerr"
)

// AgentRegistry maps a directive's target scope to an explicit, enumerable
// set of registered agent IDs, and each agent ID to its delivery endpoint.
// Resolution is strict: an unknown scope or a scope with zero registered
// agents is always a reject, never a silent "all hosts" default.
type AgentRegistry struct {
	mu        sync.RWMutex
	targets   map[string][]string
	endpoints map[string]string
}

// NewAgentRegistry constructs an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		targets:   make(map[string][]string),
		endpoints: make(map[string]string),
	}
}

// RegisterAgent records an agent's delivery endpoint.
func (r *AgentRegistry) RegisterAgent(agentID, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[agentID] = endpoint
}

// RegisterTarget associates a target scope (typically an entity-id) with
// the agent IDs that scope resolves to.
func (r *AgentRegistry) RegisterTarget(scope string, agentIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[scope] = append([]string(nil), agentIDs...)
}

// Resolve returns the enumerable set of agent IDs for scope. An unknown or
// empty scope is a Contract error, enforcing the dispatcher's strict
// target-resolution gate. Deduplicated so a scope registered with repeated
// agent IDs never inflates the blast-radius cap against the same host twice.
func (r *AgentRegistry) Resolve(scope string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentIDs, ok := r.targets[scope]
	if !ok || len(agentIDs) == 0 {
		return nil, coreerr.Contract("registry.Resolve", "target scope \""+scope+"\" does not resolve to any registered agent")
	}
	return utils.Unique(agentIDs), nil
}

// Endpoint returns the delivery endpoint registered for an agent ID.
func (r *AgentRegistry) Endpoint(agentID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[agentID]
	if !ok {
		return "", coreerr.Contract("registry.Endpoint", "no endpoint registered for agent "+agentID)
	}
	return ep, nil
}
