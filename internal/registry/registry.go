// Package registry holds the in-memory catalog of live agents.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/countygis/agentcore/api/schemas"
	"go.uber.org/zap"
)

// snapshot is an immutable view of the registry. Writers replace it wholesale.
type snapshot struct {
	order []string
	byID  map[string]schemas.Agent
}

// Registry is a process-lifetime catalog of agents keyed by ID.
// Reads load an immutable snapshot and never block; writes are serialized and
// publish a fresh snapshot, which suits the lookup-heavy, register-rarely workload.
type Registry struct {
	logger  *zap.Logger
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger.Named("registry")}
	r.current.Store(&snapshot{byID: map[string]schemas.Agent{}})
	return r
}

// Register inserts or replaces an agent by ID. Re-registration is not an error;
// the last write wins and the agent keeps its original position in iteration order.
// It reports whether an existing agent was replaced.
func (r *Registry) Register(agent schemas.Agent) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.current.Load()
	_, replaced := old.byID[agent.ID()]

	next := &snapshot{
		order: old.order,
		byID:  make(map[string]schemas.Agent, len(old.byID)+1),
	}
	for id, a := range old.byID {
		next.byID[id] = a
	}
	next.byID[agent.ID()] = agent
	if !replaced {
		next.order = append(append(make([]string, 0, len(old.order)+1), old.order...), agent.ID())
	}
	r.current.Store(next)

	r.logger.Info("Agent registered",
		zap.String("agent_id", agent.ID()),
		zap.String("agent_type", string(agent.Type())),
		zap.Bool("replaced", replaced))
	return replaced
}

// Unregister removes an agent if present and reports whether it was removed.
func (r *Registry) Unregister(id string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.current.Load()
	if _, ok := old.byID[id]; !ok {
		return false
	}

	next := &snapshot{
		order: make([]string, 0, len(old.order)-1),
		byID:  make(map[string]schemas.Agent, len(old.byID)-1),
	}
	for _, existing := range old.order {
		if existing != id {
			next.order = append(next.order, existing)
			next.byID[existing] = old.byID[existing]
		}
	}
	r.current.Store(next)

	r.logger.Info("Agent unregistered", zap.String("agent_id", id))
	return true
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (schemas.Agent, bool) {
	a, ok := r.current.Load().byID[id]
	return a, ok
}

// ByType returns every agent of type t, active or not, in registration order.
func (r *Registry) ByType(t schemas.AgentType) []schemas.Agent {
	return r.filter(func(a schemas.Agent) bool { return a.Type() == t })
}

// ActiveByType returns the active agents of type t in registration order.
func (r *Registry) ActiveByType(t schemas.AgentType) []schemas.Agent {
	return r.filter(func(a schemas.Agent) bool { return a.Type() == t && a.IsActive() })
}

// Active returns every active agent in registration order.
func (r *Registry) Active() []schemas.Agent {
	return r.filter(func(a schemas.Agent) bool { return a.IsActive() })
}

// All returns every registered agent in registration order.
func (r *Registry) All() []schemas.Agent {
	return r.filter(nil)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.current.Load().order)
}

func (r *Registry) filter(keep func(schemas.Agent) bool) []schemas.Agent {
	snap := r.current.Load()
	out := make([]schemas.Agent, 0, len(snap.order))
	for _, id := range snap.order {
		a := snap.byID[id]
		if keep == nil || keep(a) {
			out = append(out, a)
		}
	}
	return out
}
